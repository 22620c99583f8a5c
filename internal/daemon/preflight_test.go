package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckSystemReadyAllEmptyPassesTrivially(t *testing.T) {
	require.NoError(t, CheckSystemReady(PreflightConfig{}))
}

func TestCheckSystemReadyFailsOnMissingCgroupMount(t *testing.T) {
	err := CheckSystemReady(PreflightConfig{CgroupCPUMount: "/does/not/exist-ever"})
	require.Error(t, err)
}

func TestCheckSystemReadyFailsOnPendingReboot(t *testing.T) {
	dir := t.TempDir()
	flag := filepath.Join(dir, "reboot-required")
	require.NoError(t, os.WriteFile(flag, []byte{}, 0o644))

	err := CheckSystemReady(PreflightConfig{RebootRequiredFile: flag})
	require.Error(t, err)
}

func TestCheckSystemReadyFailsWhenRulesFileMissingUser(t *testing.T) {
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "cgrules.conf")
	require.NoError(t, os.WriteFile(rulesFile, []byte("@someoneelse cpu,memory /sashi\n"), 0o644))

	err := CheckSystemReady(PreflightConfig{CgroupRulesFile: rulesFile, SashiUser: "sashiadmin"})
	require.Error(t, err)
}

func TestCheckSystemReadyPassesWhenRulesFileHasUser(t *testing.T) {
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "cgrules.conf")
	require.NoError(t, os.WriteFile(rulesFile, []byte("@sashiadmin cpu,memory /sashi\n"), 0o644))

	err := CheckSystemReady(PreflightConfig{CgroupRulesFile: rulesFile, SashiUser: "sashiadmin"})
	require.NoError(t, err)
}

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// PreflightConfig names the host-specific paths the system-ready check
// (spec section 4.1d) inspects. All four conditions must hold before
// init is allowed to start the daemon.
type PreflightConfig struct {
	CgroupRulesService string // systemd unit name, e.g. "cgroup-bin-rules.service"
	CgroupCPUMount      string // e.g. "/sys/fs/cgroup/cpu"
	CgroupMemoryMount   string // e.g. "/sys/fs/cgroup/memory"
	CgroupRulesFile     string // e.g. "/etc/cgrules.conf"
	SashiUser           string // the sashi-admin OS user whose line must appear in CgroupRulesFile
	RebootRequiredFile  string // e.g. "/var/run/reboot-required"
}

// CheckSystemReady runs the four preflight checks spec section 4.1
// requires before the daemon is allowed to start.
func CheckSystemReady(cfg PreflightConfig) error {
	if err := checkServiceActive(cfg.CgroupRulesService); err != nil {
		return fmt.Errorf("cgroup rules service: %w", err)
	}
	if err := checkMountExists(cfg.CgroupCPUMount); err != nil {
		return fmt.Errorf("cgroup cpu mount: %w", err)
	}
	if err := checkMountExists(cfg.CgroupMemoryMount); err != nil {
		return fmt.Errorf("cgroup memory mount: %w", err)
	}
	if err := checkRulesFileHasUser(cfg.CgroupRulesFile, cfg.SashiUser); err != nil {
		return fmt.Errorf("cgroup rules file: %w", err)
	}
	if err := checkNoPendingReboot(cfg.RebootRequiredFile); err != nil {
		return fmt.Errorf("pending reboot: %w", err)
	}
	return nil
}

func checkServiceActive(unit string) error {
	if unit == "" {
		return nil
	}
	out, err := exec.Command("systemctl", "is-active", unit).Output()
	if err != nil {
		return fmt.Errorf("%s is not active: %w", unit, err)
	}
	if strings.TrimSpace(string(out)) != "active" {
		return fmt.Errorf("%s is not active", unit)
	}
	return nil
}

func checkMountExists(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func checkRulesFileHasUser(path, sashiUser string) error {
	if path == "" || sashiUser == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !strings.Contains(string(data), sashiUser) {
		return fmt.Errorf("%s has no rule for %s", path, sashiUser)
	}
	return nil
}

func checkNoPendingReboot(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s present - reboot required", path)
	}
	return nil
}

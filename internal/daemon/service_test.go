package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"evernest.io/sashimono-agent/internal/containerruntime"
	"evernest.io/sashimono-agent/internal/errs"
	"evernest.io/sashimono-agent/internal/instancestore"
	"evernest.io/sashimono-agent/internal/osuser"
	"evernest.io/sashimono-agent/internal/ports"
	"evernest.io/sashimono-agent/internal/wire"
)

func writeInstallScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n"+body), 0o755))
	return path
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()

	store, err := instancestore.Open(context.Background(), filepath.Join(dir, "instance.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	installScript := writeInstallScript(t, dir, "install.sh", `echo "5000"
echo "sashi01"
echo "INST_SUC"
`)
	uninstallScript := writeInstallScript(t, dir, "uninstall.sh", `echo "UNINST_SUC"
`)

	templateDir := filepath.Join(dir, "template")
	require.NoError(t, os.MkdirAll(templateDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(templateDir, configFileName), []byte(`{"hpfs":{"log_level":"info","history":"custom"}}`), 0o640))

	allocator := ports.NewAllocator(ports.Config{InitialPeerPort: 22861, UserOffset: 1, GPTCPOffset: 2, GPUDPOffset: 3}, nil, instancestore.Ports{}, false)

	return &Service{
		Store:            store,
		Allocator:        allocator,
		Runtime:          containerruntime.NewFake(),
		Installer:        osuser.New(installScript, uninstallScript),
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxInstanceCount: 2,
		ContractBaseDir:  filepath.Join(dir, "contracts"),
		TemplateDir:      templateDir,
		HostIP:           "203.0.113.5",
		Registry:         "registry.evernode.org",
	}
}

func TestCreateListInspectDestroy(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	createResp, err := svc.Create(ctx, wire.CreateRequest{
		ContainerName: "sashi01",
		OwnerPubkey:   "edOwner",
		ContractID:    "contract-1",
		Image:         "evernode/sashimono:hp-0.6.2",
		Config:        wire.InstanceConfig{Raw: json.RawMessage(`{"feature_x":true}`)},
	})
	require.NoError(t, err)
	require.Equal(t, "sashi01", createResp.Instance.ContainerName)
	require.Equal(t, "running", createResp.Instance.Status)
	require.Equal(t, "sashi01", createResp.Instance.Username)

	listResp, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, listResp.Content, 1)

	inspectResp, err := svc.Inspect(ctx, wire.InspectRequest{ContainerName: "sashi01"})
	require.NoError(t, err)
	require.Equal(t, "sashi01", inspectResp.Username)

	destroyResp, err := svc.Destroy(ctx, wire.DestroyRequest{ContainerName: "sashi01"})
	require.NoError(t, err)
	require.Equal(t, "sashi01", destroyResp.ContainerName)

	_, err = svc.Inspect(ctx, wire.InspectRequest{ContainerName: "sashi01"})
	require.Error(t, err)

	require.Equal(t, 1, svc.Allocator.VacantCount())
}

func TestCreateRejectsDuplicate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req := wire.CreateRequest{ContainerName: "sashi01", Image: "evernode/sashimono:hp"}
	_, err := svc.Create(ctx, req)
	require.NoError(t, err)

	_, err = svc.Create(ctx, req)
	require.Error(t, err)
}

func TestCreateRejectsOverMaxInstanceCount(t *testing.T) {
	svc := newTestService(t)
	svc.MaxInstanceCount = 1
	ctx := context.Background()

	_, err := svc.Create(ctx, wire.CreateRequest{ContainerName: "sashi01", Image: "evernode/sashimono:hp"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, wire.CreateRequest{ContainerName: "sashi02", Image: "evernode/sashimono:hp"})
	require.Error(t, err)
}

func TestStartStopRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, wire.CreateRequest{ContainerName: "sashi01", Image: "evernode/sashimono:hp"})
	require.NoError(t, err)

	stopResp, err := svc.Stop(ctx, wire.StartStopRequest{ContainerName: "sashi01"})
	require.NoError(t, err)
	require.Equal(t, "stopped", stopResp.Status)

	startResp, err := svc.Start(ctx, wire.StartStopRequest{ContainerName: "sashi01"})
	require.NoError(t, err)
	require.Equal(t, "running", startResp.Status)

	_, err = svc.Start(ctx, wire.StartStopRequest{ContainerName: "sashi01"})
	require.Error(t, err)
}

func TestCreateMarksFailureAfterContainerCreatedAsPostCreate(t *testing.T) {
	svc := newTestService(t)
	svc.Runtime.(*containerruntime.Fake).StartErr = fmt.Errorf("start boom")
	ctx := context.Background()

	_, err := svc.Create(ctx, wire.CreateRequest{ContainerName: "sashi01", Image: "evernode/sashimono:hp"})
	require.Error(t, err)
	require.True(t, errs.IsPostCreate(err))
}

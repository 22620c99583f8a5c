package daemonclient_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"evernest.io/sashimono-agent/internal/containerruntime"
	"evernest.io/sashimono-agent/internal/daemon"
	"evernest.io/sashimono-agent/internal/daemonclient"
	"evernest.io/sashimono-agent/internal/instancestore"
	"evernest.io/sashimono-agent/internal/osuser"
	"evernest.io/sashimono-agent/internal/ports"
)

func startDaemon(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	store, err := instancestore.Open(context.Background(), filepath.Join(dir, "instance.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	allocator := ports.NewAllocator(ports.Config{InitialPeerPort: 22861, UserOffset: 1, GPTCPOffset: 2, GPUDPOffset: 3}, nil, instancestore.Ports{}, false)

	svc := &daemon.Service{
		Store:            store,
		Allocator:        allocator,
		Runtime:          containerruntime.NewFake(),
		Installer:        osuser.New("/bin/true", "/bin/true"),
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxInstanceCount: 5,
		ContractBaseDir:  filepath.Join(dir, "contracts"),
		TemplateDir:      dir,
		HostIP:           "203.0.113.9",
	}

	socketPath := filepath.Join(dir, "sa.sock")
	srv := daemon.New(socketPath, "", svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(context.Background())
		<-done
	})

	return socketPath
}

func TestClientListAgainstRealDaemon(t *testing.T) {
	socketPath := startDaemon(t)
	client := daemonclient.New(socketPath)

	resp, err := client.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, resp.Content)
}

func TestClientInspectMissingReturnsTypedError(t *testing.T) {
	socketPath := startDaemon(t)
	client := daemonclient.New(socketPath)

	_, err := client.Inspect(context.Background(), "ghost")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no_container")
}

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"evernest.io/sashimono-agent/internal/containerruntime"
	"evernest.io/sashimono-agent/internal/sockframe"
	"evernest.io/sashimono-agent/internal/wire"
)

func startTestServer(t *testing.T, h Handler) (socketPath string, stop func()) {
	t.Helper()
	socketPath = filepath.Join(t.TempDir(), "sa.sock")

	srv := New(socketPath, "", h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()

	return socketPath, func() {
		cancel()
		_ = srv.Shutdown(context.Background())
		<-done
	}
}

func roundTrip(t *testing.T, socketPath string, req any) map[string]any {
	t.Helper()
	addr, err := net.ResolveUnixAddr("unixpacket", socketPath)
	require.NoError(t, err)
	conn, err := net.DialUnix("unixpacket", nil, addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	body, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)

	respBody, err := sockframe.ReadFrame(conn)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(respBody, &out))
	return out
}

func TestServerListRoundTrip(t *testing.T) {
	svc := newTestService(t)
	socketPath, stop := startTestServer(t, svc)
	defer stop()

	_, err := svc.Create(context.Background(), wire.CreateRequest{ContainerName: "sashi01", Image: "evernode/sashimono:hp"})
	require.NoError(t, err)

	resp := roundTrip(t, socketPath, map[string]any{"type": wire.TypeList})
	require.Equal(t, "list_res", resp["type"])
	content, ok := resp["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
}

func TestServerUnknownTypeYieldsInitiateError(t *testing.T) {
	svc := newTestService(t)
	socketPath, stop := startTestServer(t, svc)
	defer stop()

	resp := roundTrip(t, socketPath, map[string]any{"type": "bogus"})
	require.Equal(t, wire.TypeInitiateError, resp["type"])
}

func TestServerCreatePostFailureYieldsInitiateError(t *testing.T) {
	svc := newTestService(t)
	svc.Runtime.(*containerruntime.Fake).StartErr = errors.New("start boom")
	socketPath, stop := startTestServer(t, svc)
	defer stop()

	resp := roundTrip(t, socketPath, wire.CreateRequest{
		Type: wire.TypeCreate, ContainerName: "sashi01", Image: "evernode/sashimono:hp",
	})
	require.Equal(t, wire.TypeInitiateError, resp["type"])
}

func TestServerInspectMissingYieldsNoContainerError(t *testing.T) {
	svc := newTestService(t)
	socketPath, stop := startTestServer(t, svc)
	defer stop()

	resp := roundTrip(t, socketPath, wire.InspectRequest{Type: wire.TypeInspect, ContainerName: "ghost"})
	require.Equal(t, wire.TypeInspectError, resp["type"])
	require.Equal(t, "no_container", resp["kind"])
}

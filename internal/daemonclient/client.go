// Package daemonclient implements spec section 4.2's daemon client: open a
// fresh socket, send one JSON request, read one framed reply, close - no
// connection reuse. Both the CLI (cmd/sashi) and the reconciler
// (internal/reconciler) use this to reach the lifecycle daemon.
package daemonclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"evernest.io/sashimono-agent/internal/errs"
	"evernest.io/sashimono-agent/internal/sockframe"
	"evernest.io/sashimono-agent/internal/wire"
)

// DefaultTimeout bounds the whole round trip (dial + send + receive).
const DefaultTimeout = 30 * time.Second

// Client talks to the lifecycle daemon's Unix domain socket.
type Client struct {
	SocketPath string
	Timeout    time.Duration
}

func New(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Timeout: DefaultTimeout}
}

// call opens a connection, sends req, decodes the raw response body, and
// closes. It is unexported; the typed wrappers below are the public API.
func (c *Client) call(ctx context.Context, req any) (json.RawMessage, string, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr, err := net.ResolveUnixAddr("unixpacket", c.SocketPath)
	if err != nil {
		return nil, "", fmt.Errorf("resolve daemon socket %s: %w", c.SocketPath, err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unixpacket", addr.String())
	if err != nil {
		return nil, "", fmt.Errorf("dial daemon socket %s: %w", c.SocketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(body); err != nil {
		return nil, "", fmt.Errorf("send request: %w", err)
	}

	respBody, err := sockframe.ReadFrame(conn)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}

	var env wire.Envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, "", fmt.Errorf("decode response envelope: %w", err)
	}
	return respBody, env.Type, nil
}

func responseError(respType string, raw json.RawMessage) error {
	var e wire.ErrorResponse
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("daemon error response %s: undecodable body", respType)
	}
	return errs.New(errs.Kind(e.Kind), fmt.Errorf("%s", e.Reason))
}

func isErrorType(t string) bool {
	switch t {
	case wire.TypeCreateError, wire.TypeInitiateError, wire.TypeDestroyError,
		wire.TypeStartError, wire.TypeStopError, wire.TypeInspectError, wire.TypeListError:
		return true
	default:
		return false
	}
}

// List returns every instance the daemon knows about.
func (c *Client) List(ctx context.Context) (wire.ListResponse, error) {
	raw, respType, err := c.call(ctx, wire.Envelope{Type: wire.TypeList})
	if err != nil {
		return wire.ListResponse{}, err
	}
	if isErrorType(respType) {
		return wire.ListResponse{}, responseError(respType, raw)
	}
	var resp wire.ListResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return wire.ListResponse{}, fmt.Errorf("decode list response: %w", err)
	}
	return resp, nil
}

// Create asks the daemon to provision a new instance.
func (c *Client) Create(ctx context.Context, req wire.CreateRequest) (wire.CreateResponse, error) {
	req.Type = wire.TypeCreate
	raw, respType, err := c.call(ctx, req)
	if err != nil {
		return wire.CreateResponse{}, err
	}
	if isErrorType(respType) {
		return wire.CreateResponse{}, responseError(respType, raw)
	}
	var resp wire.CreateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return wire.CreateResponse{}, fmt.Errorf("decode create response: %w", err)
	}
	return resp, nil
}

// Destroy asks the daemon to tear down an instance.
func (c *Client) Destroy(ctx context.Context, containerName string) (wire.DestroyResponse, error) {
	raw, respType, err := c.call(ctx, wire.DestroyRequest{Type: wire.TypeDestroy, ContainerName: containerName})
	if err != nil {
		return wire.DestroyResponse{}, err
	}
	if isErrorType(respType) {
		return wire.DestroyResponse{}, responseError(respType, raw)
	}
	var resp wire.DestroyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return wire.DestroyResponse{}, fmt.Errorf("decode destroy response: %w", err)
	}
	return resp, nil
}

// Start asks the daemon to start a stopped instance.
func (c *Client) Start(ctx context.Context, containerName string) (wire.StartStopResponse, error) {
	return c.startStop(ctx, wire.TypeStart, containerName)
}

// Stop asks the daemon to stop a running instance.
func (c *Client) Stop(ctx context.Context, containerName string) (wire.StartStopResponse, error) {
	return c.startStop(ctx, wire.TypeStop, containerName)
}

func (c *Client) startStop(ctx context.Context, reqType, containerName string) (wire.StartStopResponse, error) {
	raw, respType, err := c.call(ctx, wire.StartStopRequest{Type: reqType, ContainerName: containerName})
	if err != nil {
		return wire.StartStopResponse{}, err
	}
	if isErrorType(respType) {
		return wire.StartStopResponse{}, responseError(respType, raw)
	}
	var resp wire.StartStopResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return wire.StartStopResponse{}, fmt.Errorf("decode %s response: %w", reqType, err)
	}
	return resp, nil
}

// Inspect returns one instance's row plus its OS username.
func (c *Client) Inspect(ctx context.Context, containerName string) (wire.InspectResponse, error) {
	raw, respType, err := c.call(ctx, wire.InspectRequest{Type: wire.TypeInspect, ContainerName: containerName})
	if err != nil {
		return wire.InspectResponse{}, err
	}
	if isErrorType(respType) {
		return wire.InspectResponse{}, responseError(respType, raw)
	}
	var resp wire.InspectResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return wire.InspectResponse{}, fmt.Errorf("decode inspect response: %w", err)
	}
	return resp, nil
}

// Package daemon implements the lifecycle daemon's Unix domain socket
// server (spec section 4.1): one connection served at a time, one unframed
// JSON request read, one framed response written, connection closed. The
// accept/serve/shutdown shape is generalized from the teacher's
// controller.Server (internal/controller/server.go) Run/Shutdown pair,
// swapped from net/http onto a raw unixpacket listener since the wire
// protocol here is one JSON message each way, not HTTP.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"evernest.io/sashimono-agent/internal/errs"
	"evernest.io/sashimono-agent/internal/sockframe"
	"evernest.io/sashimono-agent/internal/wire"
)

// Handler implements the daemon's six request types. The lifecycle
// daemon's concrete Service (service.go) wires this to instancestore,
// ports, containerruntime, and osuser.
type Handler interface {
	List(ctx context.Context) (wire.ListResponse, error)
	Create(ctx context.Context, req wire.CreateRequest) (wire.CreateResponse, error)
	Destroy(ctx context.Context, req wire.DestroyRequest) (wire.DestroyResponse, error)
	Start(ctx context.Context, req wire.StartStopRequest) (wire.StartStopResponse, error)
	Stop(ctx context.Context, req wire.StartStopRequest) (wire.StartStopResponse, error)
	Inspect(ctx context.Context, req wire.InspectRequest) (wire.InspectResponse, error)
}

// Server owns the listening socket and serializes every request through a
// single connection at a time (spec section 4.1: "exactly one client
// connection is served at a time").
type Server struct {
	SocketPath  string
	GroupName   string // admin group the socket is chgrp'd to
	Handler     Handler
	Logger      *slog.Logger

	listener *net.UnixAddr
	ln       *net.UnixListener
}

// New constructs a Server bound to socketPath. The socket file itself is
// created and permissioned in Listen, not here, so callers can run the
// system-ready preflight first without side effects.
func New(socketPath, groupName string, h Handler, logger *slog.Logger) *Server {
	return &Server{SocketPath: socketPath, GroupName: groupName, Handler: h, Logger: logger}
}

// Listen binds the unixpacket socket (Go's name for SOCK_SEQPACKET) and
// applies the 0660/admin-group permissions spec section 4.1 requires.
func (s *Server) Listen() error {
	_ = os.Remove(s.SocketPath)

	addr, err := net.ResolveUnixAddr("unixpacket", s.SocketPath)
	if err != nil {
		return fmt.Errorf("resolve socket addr: %w", err)
	}
	ln, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.SocketPath, err)
	}
	s.ln = ln

	if err := os.Chmod(s.SocketPath, 0o660); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	if err := chownToGroup(s.SocketPath, s.GroupName); err != nil {
		ln.Close()
		return fmt.Errorf("chgrp socket: %w", err)
	}
	return nil
}

// Run accepts connections until ctx is cancelled, serving each one
// sequentially on the calling goroutine (spec section 4.1's
// one-at-a-time contract - no worker pool, no pipelining).
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.serveOne(ctx, conn)
	}
}

// Shutdown closes the listener and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	_ = os.Remove(s.SocketPath)
	return nil
}

func (s *Server) serveOne(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	body, err := sockframe.ReadMessage(conn)
	if err != nil {
		s.Logger.Warn("read request frame", "error", err)
		return
	}

	var env wire.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.writeError(conn, "", errs.New(errs.FormatError, err))
		return
	}

	resp, respErr := s.dispatch(reqCtx, env.Type, body)
	if respErr != nil {
		s.writeError(conn, env.Type, respErr)
		return
	}

	if err := s.writeJSON(conn, resp); err != nil {
		s.Logger.Warn("write response frame", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, reqType string, body []byte) (any, error) {
	switch reqType {
	case wire.TypeList:
		return s.Handler.List(ctx)
	case wire.TypeCreate:
		var req wire.CreateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, errs.New(errs.FormatError, err)
		}
		return s.Handler.Create(ctx, req)
	case wire.TypeDestroy:
		var req wire.DestroyRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, errs.New(errs.FormatError, err)
		}
		return s.Handler.Destroy(ctx, req)
	case wire.TypeStart:
		var req wire.StartStopRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, errs.New(errs.FormatError, err)
		}
		return s.Handler.Start(ctx, req)
	case wire.TypeStop:
		var req wire.StartStopRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, errs.New(errs.FormatError, err)
		}
		return s.Handler.Stop(ctx, req)
	case wire.TypeInspect:
		var req wire.InspectRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, errs.New(errs.FormatError, err)
		}
		return s.Handler.Inspect(ctx, req)
	default:
		return nil, errs.New(errs.TypeError, fmt.Errorf("unrecognized request type %q", reqType))
	}
}

func (s *Server) writeJSON(conn *net.UnixConn, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return sockframe.WriteFrame(conn, body)
}

func (s *Server) writeError(conn *net.UnixConn, reqType string, cause error) {
	kind := errs.KindOf(cause)
	respType := errorResponseType(reqType, kind, errs.IsPostCreate(cause))
	resp := wire.ErrorResponse{Type: respType, Kind: string(kind), Reason: cause.Error()}
	if err := s.writeJSON(conn, resp); err != nil {
		s.Logger.Warn("write error frame", "error", err)
	}
}

// errorResponseType picks the per-type "<type>_error" reply, except two
// cases that both reply "initiate_error" regardless of which request type
// they arrived on (spec section 4.1): malformed-request failures (bad JSON,
// unrecognized type) that never got parsed at all, and a create failure
// that happened after the container was already created on the runtime -
// the caller must treat that partially-created instance as already
// destroyed.
func errorResponseType(reqType string, kind errs.Kind, postCreate bool) string {
	if kind == errs.FormatError || kind == errs.TypeError {
		return wire.TypeInitiateError
	}
	if reqType == wire.TypeCreate && postCreate {
		return wire.TypeInitiateError
	}
	switch reqType {
	case wire.TypeCreate:
		return wire.TypeCreateError
	case wire.TypeDestroy:
		return wire.TypeDestroyError
	case wire.TypeStart:
		return wire.TypeStartError
	case wire.TypeStop:
		return wire.TypeStopError
	case wire.TypeInspect:
		return wire.TypeInspectError
	case wire.TypeList:
		return wire.TypeListError
	default:
		return wire.TypeInitiateError
	}
}

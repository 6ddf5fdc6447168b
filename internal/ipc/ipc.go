// Package ipc implements the Control Plane (spec §4.I): a newline-delimited
// JSON server over a Unix domain socket, dispatching the send/recv/inbox/
// outbox/peers/peer_add/peer_remove/peer_resolve/status/multiaddrs/connect/
// stop command set and pushing out-of-band event lines. Grounded on
// internal/adapters/rpc/jsonrpc.go's decode-dispatch-encode shape and
// internal/platform/ratelimiter.MapLimiter for per-connection rate limiting.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"clawgate/internal/events"
	"clawgate/internal/model"
	"clawgate/internal/platform/ratelimiter"
)

// Request is one NDJSON line sent to the control socket.
type Request struct {
	ID        string `json:"id,omitempty"`
	Cmd       string `json:"cmd"`
	Principal string `json:"principal,omitempty"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content,omitempty"`
	TimeoutMS int64  `json:"timeoutMs,omitempty"`
	Since     int64  `json:"since,omitempty"`
	Address   string `json:"address,omitempty"`
	Alias     string `json:"alias,omitempty"`
	Peer      string `json:"peer,omitempty"`
}

// Response answers one Request, correlated by ID.
type Response struct {
	ID     string `json:"id,omitempty"`
	OK     bool   `json:"ok"`
	Result any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// sendAck is the "send" response payload: the caller gets back the message
// id to correlate with later inbox/outbox state, not the full queued record.
type sendAck struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// outLine is an event pushed without a matching request.
type outLine struct {
	Event   string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

var (
	ErrUnknownCommand = errors.New("ipc: unknown command")
	ErrMissingParam   = errors.New("ipc: missing required parameter")
)

// Backend is every operation the control plane exposes, implemented by the
// gateway composition root.
type Backend interface {
	Send(principal, to string, content []byte) (model.Message, error)
	Recv(ctx context.Context, principal string, since int64, timeout time.Duration) ([]model.Message, error)
	Inbox(principal string) ([]model.Message, error)
	Outbox(principal string) ([]model.Message, error)
	Peers(principal string) ([]model.PeerStatus, error)
	PeerAdd(principal, peer, address, alias string) error
	PeerRemove(principal, peer string) error
	PeerResolve(principal, peer string) (*model.PeerRecord, error)
	Status(principal string) (model.StatusSnapshot, error)
	Multiaddrs() []string
	Connect(ctx context.Context, principal, address string) error
	Stop() error
}

// Server is the Unix-domain-socket control plane.
type Server struct {
	socketPath string
	backend    Backend
	hub        *events.Hub
	limiter    *ratelimiter.MapLimiter
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Server with a per-key rate limiter (50 requests/s, burst
// 100); a nil Server.limiter disables rate limiting.
func New(socketPath string, backend Backend, hub *events.Hub) *Server {
	return &Server{
		socketPath: socketPath,
		backend:    backend,
		hub:        hub,
		limiter:    ratelimiter.New(50, 100, 10*time.Minute),
		logger:     events.DefaultLogger(),
	}
}

// Serve binds the Unix socket and accepts connections until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		_ = os.Remove(s.socketPath)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Close closes the listener and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	enc := json.NewEncoder(conn)
	writeLine := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return enc.Encode(v)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.hub != nil {
		_, ch, unsub := s.hub.Subscribe(s.hub.CurrentSeq())
		defer unsub()
		go func() {
			for {
				select {
				case <-connCtx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					if writeLine(outLine{Event: ev.Type, Payload: ev.Payload}) != nil {
						return
					}
				}
			}
		}()
	}

	remoteKey := connKey(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if s.limiter != nil && !s.limiter.Allow(remoteKey, time.Now()) {
			_ = writeLine(Response{OK: false, Error: "rate limited"})
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeLine(Response{OK: false, Error: "parse error"})
			continue
		}
		resp := s.dispatch(connCtx, req)
		if writeLine(resp) != nil {
			return
		}
	}
}

func connKey(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unix"
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	result, err := Dispatch(ctx, s.backend, req)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error()}
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

// Dispatch runs one Request against backend and returns its result. It is
// exported so the WebSocket Bridge can pass commands through to the same
// Backend without duplicating the command table (spec §4.J).
func Dispatch(ctx context.Context, backend Backend, req Request) (any, error) {
	switch req.Cmd {
	case "send":
		if req.Principal == "" || req.To == "" {
			return nil, ErrMissingParam
		}
		msg, err := backend.Send(req.Principal, req.To, []byte(req.Content))
		if err != nil {
			return nil, err
		}
		return sendAck{ID: msg.ID, Status: "queued"}, nil
	case "recv":
		// timeout <= 0 means "return the current snapshot, don't block"
		// (spec §4.I "recv"); only a positive timeoutMs blocks for new
		// deliveries.
		timeout := time.Duration(req.TimeoutMS) * time.Millisecond
		return backend.Recv(ctx, req.Principal, req.Since, timeout)
	case "inbox":
		return backend.Inbox(req.Principal)
	case "outbox":
		return backend.Outbox(req.Principal)
	case "peers":
		return backend.Peers(req.Principal)
	case "peer_add":
		if req.Peer == "" || req.Address == "" {
			return nil, ErrMissingParam
		}
		return nil, backend.PeerAdd(req.Principal, req.Peer, req.Address, req.Alias)
	case "peer_remove":
		if req.Peer == "" {
			return nil, ErrMissingParam
		}
		return nil, backend.PeerRemove(req.Principal, req.Peer)
	case "peer_resolve":
		if req.Peer == "" {
			return nil, ErrMissingParam
		}
		return backend.PeerResolve(req.Principal, req.Peer)
	case "status":
		return backend.Status(req.Principal)
	case "multiaddrs":
		return backend.Multiaddrs(), nil
	case "connect":
		if req.Address == "" {
			return nil, ErrMissingParam
		}
		return nil, backend.Connect(ctx, req.Principal, req.Address)
	case "stop":
		return nil, backend.Stop()
	default:
		return nil, ErrUnknownCommand
	}
}

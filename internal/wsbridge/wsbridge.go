// Package wsbridge implements the optional WebSocket Bridge (spec §4.J): a
// second TCP listener that authenticates with a shared token and then
// passes IPC commands through to the same Backend the control plane uses.
// It also mounts the Prometheus /metrics endpoint alongside /ws, since both
// are loopback-facing HTTP surfaces the operator opts into together.
// Grounded on internal/adapters/rpc/server_impl.go's handleRPCStream
// (auth check, cursor-based replay+subscribe, heartbeat ticker), reworked
// from Server-Sent Events onto github.com/gorilla/websocket since spec
// §4.J is bidirectional, not one-way push.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clawgate/internal/events"
	"clawgate/internal/ipc"
	"clawgate/internal/metrics"
)

var ErrAuthFailed = errors.New("wsbridge: auth token rejected")

const heartbeatInterval = 20 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope wraps a pass-through IPC request/event for the WS wire format,
// distinguishing inbound "auth"/"cmd" frames from outbound "event"/"result"
// frames with a Type tag.
type envelope struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Bridge serves the WebSocket endpoint.
type Bridge struct {
	token   string
	backend ipc.Backend
	hub     *events.Hub
	logger  *slog.Logger
	srv     *http.Server
}

// New builds a Bridge. An empty token means every connection auto-
// authenticates (spec §4.J).
func New(addr, token string, backend ipc.Backend, hub *events.Hub) *Bridge {
	b := &Bridge{token: token, backend: backend, hub: hub, logger: events.DefaultLogger()}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.Handle("/metrics", metrics.Handler())
	b.srv = &http.Server{Addr: addr, Handler: mux}
	return b
}

// ListenAndServe runs the bridge until ctx is cancelled.
func (b *Bridge) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = b.srv.Close()
	}()
	err := b.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("wsbridge: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if !b.authenticate(conn) {
		_ = conn.WriteJSON(envelope{Type: "error", Payload: json.RawMessage(`"auth failed"`)})
		return
	}
	_ = conn.WriteJSON(envelope{Type: "authenticated"})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	write := writerFunc(func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	})
	if b.hub != nil {
		go b.streamEvents(ctx, write)
	}
	go b.heartbeat(ctx, conn)

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Type != "cmd" {
			continue
		}
		var req ipc.Request
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			_ = write(envelope{Type: "result", Payload: mustJSON(ipc.Response{OK: false, Error: "parse error"})})
			continue
		}
		resp := b.dispatch(ctx, req)
		_ = write(envelope{Type: "result", Payload: mustJSON(resp)})
	}
}

type writerFunc func(v any) error

func (b *Bridge) authenticate(conn *websocket.Conn) bool {
	if b.token == "" {
		return true
	}
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		return false
	}
	if env.Type != "auth" {
		return false
	}
	return env.Token == b.token
}

func (b *Bridge) streamEvents(ctx context.Context, write writerFunc) {
	_, ch, cancel := b.hub.Subscribe(b.hub.CurrentSeq())
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if write(envelope{Type: "event", Payload: mustJSON(map[string]any{
				"event": ev.Type, "payload": ev.Payload, "seq": ev.Seq,
			})}) != nil {
				return
			}
		}
	}
}

func (b *Bridge) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)) != nil {
				return
			}
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, req ipc.Request) ipc.Response {
	result, err := ipc.Dispatch(ctx, b.backend, req)
	if err != nil {
		return ipc.Response{ID: req.ID, OK: false, Error: err.Error()}
	}
	return ipc.Response{ID: req.ID, OK: true, Result: result}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

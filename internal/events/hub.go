// Package events implements the gateway's internal broadcast, used to order
// and replay IPC push events (spec §4.I, §5). Adapted from
// internal/app/runtime.go's NotificationHub.
package events

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// Event is one published occurrence: "started", "message", "message:sent",
// "p2p:connected", "p2p:disconnected", "error".
type Event struct {
	Seq       int64
	Type      string
	Payload   any
	Timestamp time.Time
}

// Hub fans out published events to subscribers, keeping a bounded replay
// history so a late subscriber can catch up from a cursor.
type Hub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]chan Event
	nextSub int
}

func NewHub(limit int) *Hub {
	if limit < 1 {
		limit = 1
	}
	return &Hub{
		limit: limit,
		subs:  make(map[int]chan Event),
	}
}

func (h *Hub) Publish(eventType string, payload any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := Event{
		Seq:       h.nextSeq,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]Event(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	return event
}

// Subscribe registers a new subscriber and replays any history after
// fromSeq. The returned cancel closes and removes the subscription.
func (h *Hub) Subscribe(fromSeq int64) (replay []Event, ch <-chan Event, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			out = append(out, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	sub := make(chan Event, 128)
	h.subs[id] = sub

	cancelFn := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			close(s)
			delete(h.subs, id)
		}
	}
	return out, sub, cancelFn
}

func (h *Hub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

// CurrentSeq returns the sequence number of the most recently published
// event (0 if none yet), letting a new subscriber that wants no replay
// subscribe from "now" via Subscribe(h.CurrentSeq()).
func (h *Hub) CurrentSeq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

// DefaultLogger returns the gateway's structured JSON logger.
func DefaultLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

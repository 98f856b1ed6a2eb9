package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"d2dtreasury/core/events"
	"d2dtreasury/core/types"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
)

// streamEvent is the JSON frame pushed to websocket subscribers.
type streamEvent struct {
	Type       string            `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type subscriber struct {
	ch     chan streamEvent
	filter map[string]struct{}
}

func (s *subscriber) wants(eventType string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[eventType]
	return ok
}

// Hub fans committed treasury events out to live websocket subscribers. Slow
// subscribers lose frames instead of blocking the engine.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

var _ events.Emitter = (*Hub)(nil)

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	env, ok := events.EnvelopeOf(evt)
	if !ok {
		return
	}
	frame := frameOf(env)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(frame.Type) {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			h.dropped.Add(1)
		}
	}
}

func frameOf(env *types.Event) streamEvent {
	attrs := make(map[string]string, len(env.Attributes))
	for k, v := range env.Attributes {
		attrs[k] = v
	}
	return streamEvent{Type: env.Type, Timestamp: env.Timestamp, Attributes: attrs}
}

// Subscribe registers a subscriber for the given event types, or all types
// when none are given. The returned cancel function must be called.
func (h *Hub) Subscribe(eventTypes ...string) (<-chan streamEvent, func()) {
	sub := &subscriber{ch: make(chan streamEvent, subscriberBuffer)}
	for _, t := range eventTypes {
		if t = strings.TrimSpace(t); t != "" {
			if sub.filter == nil {
				sub.filter = make(map[string]struct{})
			}
			sub.filter[t] = struct{}{}
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many frames were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.hub.Subscribe(queryList(r, "type")...)
	defer cancel()

	// The stream is write-only; CloseRead handles pings and the peer's close.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-updates:
			if err := writeFrame(ctx, conn, frame); err != nil {
				if websocket.CloseStatus(err) == -1 {
					s.logger.Debug("event stream write failed", "error", err)
					_ = conn.Close(websocket.StatusInternalError, "stream error")
				}
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame streamEvent) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

package events

import (
	"sync"

	"d2dtreasury/core/types"
)

// Event represents a structured state change emitted by the treasury.
type Event interface {
	EventType() string
}

// Payload is implemented by events that carry a broadcastable envelope.
type Payload interface {
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. the event log,
// websocket streams, metrics).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Typed wraps a raw envelope so it satisfies both Event and Payload.
type Typed struct {
	Evt *types.Event
}

func (t Typed) EventType() string {
	if t.Evt == nil {
		return ""
	}
	return t.Evt.Type
}

func (t Typed) Event() *types.Event { return t.Evt }

// EnvelopeOf extracts the envelope carried by evt, if any.
func EnvelopeOf(evt Event) (*types.Event, bool) {
	p, ok := evt.(Payload)
	if !ok {
		return nil, false
	}
	env := p.Event()
	return env, env != nil
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}

// Fanout delivers every event to each member in order.
type Fanout []Emitter

func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Recorder retains emitted events in memory. Tests and the websocket hub
// backfill use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder keeps at most limit events; zero keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append([]Event(nil), r.events[len(r.events)-r.limit:]...)
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

package types

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the attribute value for key, or "" when absent.
func (e *Event) Attr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return &Event{Type: e.Type, Timestamp: e.Timestamp, Attributes: attrs}
}

package observability

import (
	"d2dtreasury/core/events"
)

// Emitter returns an events.Emitter that counts every event by type. Chain it
// with other emitters through events.Fanout.
func (m *TreasuryMetrics) Emitter() events.Emitter {
	return events.EmitterFunc(func(evt events.Event) {
		m.RecordEvent(evt.EventType())
	})
}

// RecordEvent increments the event counter for the supplied type.
func (m *TreasuryMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(eventType)).Inc()
}

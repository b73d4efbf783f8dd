package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink receives audit events. Sinks must tolerate concurrent calls.
type Sink func(*Event)

// Trail fans audit events out to registered sinks. A slog sink is always
// attached so decisions land in the structured log even with no explicit
// sinks configured.
type Trail struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
}

// NewTrail creates an audit trail logging through the given logger.
func NewTrail(logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{logger: logger.With("component", "audit")}
}

// AddSink registers an additional event sink.
func (t *Trail) AddSink(sink Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, sink)
}

// Record stamps and delivers an event. ID and Timestamp are filled in when
// absent.
func (t *Trail) Record(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		"audit_id", event.ID,
		"audit_type", string(event.Type),
		"client_id", event.ClientID,
	}
	if event.Permission != "" {
		attrs = append(attrs, "permission", event.Permission)
	}
	if event.Resource != "" {
		attrs = append(attrs, "resource", event.Resource)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}
	t.logger.Info("audit", attrs...)

	t.mu.RLock()
	sinks := t.sinks
	t.mu.RUnlock()
	for _, sink := range sinks {
		sink(event)
	}
}

// MemorySink collects events for inspection in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Sink returns the function to register with a Trail.
func (m *MemorySink) Sink() Sink {
	return func(e *Event) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.events = append(m.events, e)
	}
}

// Events returns a copy of the collected events.
func (m *MemorySink) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns the collected events of one type.
func (m *MemorySink) ByType(eventType EventType) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

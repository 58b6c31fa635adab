package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventProcessCreated         EventType = "process_created"
	EventProcessRemoved         EventType = "process_removed"
	EventProcessDied            EventType = "process_died"
	EventConnectionConnected    EventType = "connection_connected"
	EventConnectionDisconnected EventType = "connection_disconnected"
	EventCallDied               EventType = "call_died"
)

// Event is one lifecycle transition exported to external systems.
type Event struct {
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	RecordID    int64     `json:"record_id"`
	PID         int       `json:"pid"`
	UID         int       `json:"uid"`
	ProcessName string    `json:"process_name"`
	BundleName  string    `json:"bundle_name"`
	Detail      string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to several sinks. A failing sink does not stop
// delivery to the others; the errors are joined.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit stamps e and sends it to s, logging instead of returning failures.
// A nil sink is a no-op.
func Emit(ctx context.Context, s Sink, log *slog.Logger, e Event) {
	if s == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := s.Send(ctx, e); err != nil && log != nil {
		log.Warn("history sink failed", "event", e.Type, "record_id", e.RecordID, "error", err)
	}
}

// Ring keeps the most recent events in memory for the diagnostic API.
type Ring struct {
	mu     sync.Mutex
	size   int
	events []Event
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 256
	}
	return &Ring{size: size}
}

func (r *Ring) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	if over := len(r.events) - r.size; over > 0 {
		r.events = append(r.events[:0:0], r.events[over:]...)
	}
	r.mu.Unlock()
	return nil
}

// Events returns the buffered events, oldest first.
func (r *Ring) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of worker lifecycle event.
type EventType string

const (
	EventStart  EventType = "start"  // worker launch requested
	EventKill   EventType = "kill"   // worker forcibly terminated
	EventStale  EventType = "stale"  // stale handshake file purged
	EventReady  EventType = "ready"  // readiness confirmed and handshake stored
	EventFailed EventType = "failed" // readiness cycle failed
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail,omitempty"`
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(t EventType, name string, pid int, detail string) Event {
	return Event{Type: t, OccurredAt: time.Now().UTC(), Name: name, PID: pid, Detail: detail}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to a set of sinks. Send failures are logged and
// never block the caller's lifecycle decision. The zero value records nothing.
type Recorder struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewRecorder(sinks ...Sink) *Recorder {
	r := &Recorder{}
	r.SetSinks(sinks...)
	return r
}

// SetSinks replaces the configured sinks. Passing none clears the list.
func (r *Recorder) SetSinks(sinks ...Sink) {
	r.mu.Lock()
	r.sinks = append([]Sink(nil), sinks...)
	r.mu.Unlock()
}

// Record sends e to every sink and returns the joined send errors.
func (r *Recorder) Record(ctx context.Context, e Event) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	var errs []error
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("history send failed", "type", e.Type, "name", e.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Package events records controller events asynchronously. Record never
// blocks and never fails the caller; events that do not fit the buffer are
// dropped and counted.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/szibis/profile-governor/internal/logging"
)

// Event types emitted by the controller.
const (
	TypeProfileChanged   = "profile_changed"
	TypeQueryFailed      = "query_failed"
	TypeApplyFailed      = "apply_failed"
	TypeDegraded         = "degraded"
	TypeRecovered        = "recovered"
	TypeTransitionFrozen = "transition_frozen"
	TypeCheckpointFailed = "checkpoint_failed"
	TypeStoreRecovery    = "store_recovery"
)

// Event is one recorded occurrence.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Recorder accepts events.
type Recorder interface {
	Record(eventType string, payload map[string]any)
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

// Record does nothing.
func (Nop) Record(string, map[string]any) {}

// AsyncRecorder queues events and delivers them to every sink from one
// background goroutine.
type AsyncRecorder struct {
	sinks   []Sink
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewAsync starts a recorder with the given buffer size and per-write sink timeout.
func NewAsync(buffer int, timeout time.Duration, sinks ...Sink) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &AsyncRecorder{
		sinks:   sinks,
		timeout: timeout,
		now:     time.Now,
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues an event. It drops the event when the buffer is full or the
// recorder is closed.
func (r *AsyncRecorder) Record(eventType string, payload map[string]any) {
	ev := Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Time:    r.now().UTC(),
		Payload: payload,
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		eventsDropped.WithLabelValues("closed").Inc()
		return
	}
	select {
	case r.queue <- ev:
		eventsRecorded.WithLabelValues(eventType).Inc()
	default:
		eventsDropped.WithLabelValues("buffer_full").Inc()
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			err := s.Write(ctx, ev)
			cancel()
			if err != nil {
				sinkErrors.WithLabelValues(s.Name()).Inc()
				logging.Warn("event sink write failed", logging.F(
					"component", "events",
					"sink", s.Name(),
					"event_type", ev.Type,
					"error", err.Error(),
				))
			}
		}
	}
}

// Close stops accepting events and waits until the queued ones are
// delivered or ctx is done. Calling it more than once is safe.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				logging.Warn("event sink close failed", logging.F("component", "events", "sink", s.Name(), "error", err.Error()))
			}
		}
	}
	return nil
}

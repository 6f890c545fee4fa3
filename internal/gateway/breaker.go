package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/szibis/profile-governor/internal/logging"
)

// ErrCircuitOpen is returned while the breaker rejects queries.
var ErrCircuitOpen = errors.New("gateway circuit breaker open")

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker wraps a Gateway. After maxFailures consecutive failures it
// rejects queries for resetTimeout, then lets one probe through.
type Breaker struct {
	next         Gateway
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewBreaker wraps next. maxFailures 0 defaults to 5, resetTimeout 0 to one minute.
func NewBreaker(next Gateway, name string, maxFailures int, resetTimeout time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = time.Minute
	}
	b := &Breaker{
		next:         next,
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
	breakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Query forwards to the wrapped gateway unless the breaker is open.
// A rejected call does not count as a failure.
func (b *Breaker) Query(ctx context.Context, q Query) ([]Row, error) {
	if !b.allow() {
		breakerRejections.WithLabelValues(b.name).Inc()
		return nil, ErrCircuitOpen
	}
	rows, err := b.next.Query(ctx, q)
	// A cancelled caller says nothing about the backend.
	if err != nil && ctx.Err() != nil {
		b.release()
		return rows, err
	}
	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return rows, err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.resetTimeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		// One probe at a time.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *Breaker) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	b.probing = false
	switch b.state {
	case StateClosed:
		if b.failures >= b.maxFailures {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	breakerState.WithLabelValues(b.name).Set(float64(to))
	logging.Warn("gateway circuit breaker state change", logging.F(
		"component", "gateway",
		"backend", b.name,
		"from", from.String(),
		"to", to.String(),
		"consecutive_failures", b.failures,
	))
}

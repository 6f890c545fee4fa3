package engine

import (
	"sync"
	"time"

	"github.com/szibis/profile-governor/internal/gateway"
	"github.com/szibis/profile-governor/internal/profile"
)

// Decision is one evaluated iteration.
type Decision struct {
	Timestamp time.Time         `json:"timestamp"`
	Snapshot  *gateway.Snapshot `json:"snapshot,omitempty"`
	Current   string            `json:"current"`
	Target    string            `json:"target"`
	Rule      profile.Rule      `json:"rule,omitempty"`
	Reason    string            `json:"reason"`
	Applied   bool              `json:"applied"`
	// Suppressed names the guard that held back a transition.
	Suppressed string `json:"suppressed,omitempty"`
	Error      string `json:"error,omitempty"`
}

// History keeps decisions newer than window, at most max of them.
type History struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	items  []Decision
}

// NewHistory creates a bounded history.
func NewHistory(window time.Duration, max int) *History {
	if max <= 0 {
		max = 2048
	}
	return &History{window: window, max: max}
}

// Add appends d and evicts what falls outside the bounds.
func (h *History) Add(d Decision) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, d)
	h.prune(d.Timestamp)
}

// prune must be called with mu held.
func (h *History) prune(now time.Time) {
	drop := 0
	if len(h.items) > h.max {
		drop = len(h.items) - h.max
	}
	if h.window > 0 {
		cutoff := now.Add(-h.window)
		for drop < len(h.items) && h.items[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if drop > 0 {
		h.items = append(h.items[:0:0], h.items[drop:]...)
	}
}

// List returns a copy of the decisions, oldest first.
func (h *History) List() []Decision {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Decision(nil), h.items...)
}

// Len returns the number of decisions held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

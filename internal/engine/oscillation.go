package engine

import (
	"sync"
	"time"
)

type transition struct {
	from, to string
	at       time.Time
}

// oscillationGuard freezes transitions when recent ones keep reversing the
// previous one (A to B, then B back to A).
type oscillationGuard struct {
	mu        sync.Mutex
	lookback  int
	threshold float64
	freeze    time.Duration
	recent    []transition
	until     time.Time
}

func newOscillationGuard(cfg OscillationConfig) *oscillationGuard {
	return &oscillationGuard{
		lookback:  cfg.Lookback,
		threshold: cfg.Threshold,
		freeze:    cfg.Freeze,
	}
}

func (g *oscillationGuard) enabled() bool {
	return g.threshold > 0 && g.lookback >= 2
}

// record adds a transition and reports whether it started a freeze.
func (g *oscillationGuard) record(from, to string, at time.Time) bool {
	if !g.enabled() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.recent = append(g.recent, transition{from: from, to: to, at: at})
	if len(g.recent) > g.lookback {
		g.recent = g.recent[len(g.recent)-g.lookback:]
	}
	if len(g.recent) < g.lookback {
		return false
	}

	reversals := 0
	for i := 1; i < len(g.recent); i++ {
		if g.recent[i].to == g.recent[i-1].from {
			reversals++
		}
	}
	if float64(reversals)/float64(len(g.recent)-1) < g.threshold {
		return false
	}
	g.until = at.Add(g.freeze)
	g.recent = g.recent[:0]
	return true
}

// frozenUntil returns the freeze expiry, or zero when not frozen at now.
func (g *oscillationGuard) frozenUntil(now time.Time) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.until.IsZero() || !now.Before(g.until) {
		return time.Time{}
	}
	return g.until
}

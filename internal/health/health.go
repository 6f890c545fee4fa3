// Package health serves the governor's health, liveness and readiness
// endpoints together with its status, decision history and recent events.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the overall health state reported on /health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Probe states used by /live and /ready.
const (
	ProbeUp   = "up"
	ProbeDown = "down"
)

// ComponentCheck is the result of one readiness check.
type ComponentCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ProbeResponse is the body of /live and /ready.
type ProbeResponse struct {
	Status     string                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// EngineState is what /health reads from the decision engine.
type EngineState struct {
	Running             bool
	Degraded            bool
	LastCheck           time.Time
	CurrentProfile      string
	ConsecutiveFailures int
	LastError           string
	Metrics             map[string]float64
}

// Report is the body of /health.
type Report struct {
	Status              Status                    `json:"status"`
	LastCheck           *time.Time                `json:"lastCheck"`
	CurrentProfile      string                    `json:"currentProfile"`
	Metrics             map[string]float64        `json:"metrics"`
	ConsecutiveFailures int                       `json:"consecutiveFailures"`
	LastError           string                    `json:"lastError,omitempty"`
	Components          map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp           string                    `json:"timestamp"`
}

// CheckFunc returns nil when the component is healthy.
type CheckFunc func() error

// Checker aggregates engine state and component checks.
type Checker struct {
	mu           sync.RWMutex
	checks       map[string]CheckFunc
	engine       func() EngineState
	shuttingDown atomic.Bool
	now          func() time.Time
}

// New creates a Checker. engine may be nil until SetEngine is called.
func New(engine func() EngineState) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		engine: engine,
		now:    time.Now,
	}
}

// SetEngine replaces the engine state source.
func (c *Checker) SetEngine(engine func() EngineState) {
	c.mu.Lock()
	c.engine = engine
	c.mu.Unlock()
}

// RegisterReadiness adds a named check run on /ready and /health.
func (c *Checker) RegisterReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetShuttingDown makes every endpoint report down.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

func (c *Checker) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

// runChecks returns per-component results and whether all passed.
func (c *Checker) runChecks() (map[string]ComponentCheck, bool) {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	ok := true
	out := make(map[string]ComponentCheck, len(names))
	for _, name := range names {
		if err := checks[name](); err != nil {
			ok = false
			out[name] = ComponentCheck{Status: ProbeDown, Message: err.Error()}
			continue
		}
		out[name] = ComponentCheck{Status: ProbeUp}
	}
	return out, ok
}

// Report evaluates the current health. Unhealthy wins over degraded: the
// engine is not running, a component check fails, or shutdown has begun.
func (c *Checker) Report() Report {
	components, ok := c.runChecks()
	c.mu.RLock()
	engine := c.engine
	c.mu.RUnlock()

	var st EngineState
	if engine != nil {
		st = engine()
	}
	r := Report{
		Status:              StatusHealthy,
		CurrentProfile:      st.CurrentProfile,
		Metrics:             st.Metrics,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastError:           st.LastError,
		Components:          components,
		Timestamp:           c.timestamp(),
	}
	if !st.LastCheck.IsZero() {
		lc := st.LastCheck
		r.LastCheck = &lc
	}
	if r.Metrics == nil {
		r.Metrics = map[string]float64{}
	}
	switch {
	case c.shuttingDown.Load(), engine == nil, !st.Running, !ok:
		r.Status = StatusUnhealthy
	case st.Degraded:
		r.Status = StatusDegraded
	}
	return r
}

// HealthHandler serves /health. Unhealthy answers 503; degraded answers 200
// so that orchestrators keep the process while the gateway is down.
func (c *Checker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := c.Report()
		code := http.StatusOK
		if rep.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	}
}

// LiveHandler serves /live: up until shutdown begins.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, c.shuttingDownResponse())
			return
		}
		writeJSON(w, http.StatusOK, ProbeResponse{Status: ProbeUp, Timestamp: c.timestamp()})
	}
}

// ReadyHandler serves /ready: 503 when any registered check fails.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, c.shuttingDownResponse())
			return
		}
		components, ok := c.runChecks()
		resp := ProbeResponse{Status: ProbeUp, Components: components, Timestamp: c.timestamp()}
		code := http.StatusOK
		if !ok {
			resp.Status = ProbeDown
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func (c *Checker) shuttingDownResponse() ProbeResponse {
	return ProbeResponse{
		Status:    ProbeDown,
		Timestamp: c.timestamp(),
		Components: map[string]ComponentCheck{
			"process": {Status: ProbeDown, Message: "shutting down"},
		},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

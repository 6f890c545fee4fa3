// Package engine runs the decision loop: query the metrics gateway, evaluate
// the profile rules, apply a changed profile, persist it and record events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/profile-governor/internal/applier"
	"github.com/szibis/profile-governor/internal/events"
	"github.com/szibis/profile-governor/internal/gateway"
	"github.com/szibis/profile-governor/internal/logging"
	"github.com/szibis/profile-governor/internal/profile"
	"github.com/szibis/profile-governor/internal/schedule"
)

// ErrBusy is returned by RunOnce while another iteration is executing.
var ErrBusy = errors.New("decision iteration already running")

// MetaProfile is the metadata record holding the active profile.
const MetaProfile = "profile"

// QueryName is the Query.Name sent to the gateway.
const QueryName = "profile_metrics"

// MetaStore persists small metadata records.
type MetaStore interface {
	SetMeta(ctx context.Context, name string, value []byte) error
	GetMeta(ctx context.Context, name string) ([]byte, bool, error)
}

// OscillationConfig configures the transition freeze. Threshold 0 disables it.
type OscillationConfig struct {
	Lookback  int
	Threshold float64
	Freeze    time.Duration
}

// Config holds engine settings.
type Config struct {
	Interval       time.Duration
	QueryTimeout   time.Duration
	InitialProfile string
	DegradedAfter  int
	HistoryWindow  time.Duration
	HistoryMax     int
	// MinDwell holds a profile at least this long before leaving it. 0 disables.
	MinDwell    time.Duration
	Oscillation OscillationConfig
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		QueryTimeout:   10 * time.Second,
		InitialProfile: profile.Balanced,
		DegradedAfter:  3,
		HistoryWindow:  24 * time.Hour,
		HistoryMax:     2048,
		Oscillation:    OscillationConfig{Lookback: 6, Freeze: 30 * time.Minute},
	}
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running             bool              `json:"running"`
	LastCheck           time.Time         `json:"last_check"`
	CurrentProfile      string            `json:"current_profile"`
	ProfileSince        time.Time         `json:"profile_since"`
	LastSnapshot        *gateway.Snapshot `json:"last_snapshot,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Degraded            bool              `json:"degraded"`
	LastError           string            `json:"last_error,omitempty"`
	FrozenUntil         time.Time         `json:"frozen_until,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the decision loop. Iterations never overlap.
type Engine struct {
	cfg     Config
	rules   *profile.Rules
	gw      gateway.Gateway
	applier applier.Applier
	store   MetaStore
	events  events.Recorder
	now     func() time.Time

	history *History
	osc     *oscillationGuard
	busy    atomic.Bool
	running atomic.Bool

	mu     sync.RWMutex
	status Status
}

// New creates an engine. store and rec may be nil.
func New(cfg Config, rules *profile.Rules, gw gateway.Gateway, ap applier.Applier, store MetaStore, rec events.Recorder, opts ...Option) (*Engine, error) {
	if rules == nil || gw == nil || ap == nil {
		return nil, errors.New("engine: rules, gateway and applier are required")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = def.DegradedAfter
	}
	if cfg.InitialProfile == "" {
		cfg.InitialProfile = def.InitialProfile
	}
	if !rules.Profiles.Known(cfg.InitialProfile) {
		return nil, fmt.Errorf("initial profile %q: %w", cfg.InitialProfile, profile.ErrUnknownProfile)
	}
	if rec == nil {
		rec = events.Nop{}
	}

	e := &Engine{
		cfg:     cfg,
		rules:   rules,
		gw:      gw,
		applier: ap,
		store:   store,
		events:  rec,
		now:     time.Now,
		history: NewHistory(cfg.HistoryWindow, cfg.HistoryMax),
		osc:     newOscillationGuard(cfg.Oscillation),
	}
	for _, o := range opts {
		o(e)
	}
	e.status.CurrentProfile = cfg.InitialProfile
	e.status.ProfileSince = e.now()
	e.setProfileGauge(cfg.InitialProfile)
	return e, nil
}

// Resume loads the persisted profile if it is known, otherwise keeps the
// initial one, and applies it. Apply failures are logged; the profile is
// applied again on the next transition.
func (e *Engine) Resume(ctx context.Context) string {
	current := e.cfg.InitialProfile
	source := "initial"
	if e.store != nil {
		v, ok, err := e.store.GetMeta(ctx, MetaProfile)
		switch {
		case err != nil:
			logging.Warn("cannot read persisted profile", logging.F("component", "engine", "error", err.Error()))
		case ok && e.rules.Profiles.Known(string(v)):
			current = string(v)
			source = "persisted"
		case ok:
			logging.Warn("ignoring unknown persisted profile", logging.F("component", "engine", "profile", string(v)))
		}
	}

	e.mu.Lock()
	e.status.CurrentProfile = current
	e.status.ProfileSince = e.now()
	e.mu.Unlock()
	e.setProfileGauge(current)

	if err := e.applier.Apply(ctx, current); err != nil {
		e.setLastError(err)
		e.events.Record(events.TypeApplyFailed, map[string]any{"profile": current, "error": err.Error()})
		logging.Warn("applying resumed profile failed", logging.F("component", "engine", "profile", current, "error", err.Error()))
	}
	logging.Info("decision engine resumed", logging.F("component", "engine", "profile", current, "source", source))
	return current
}

// Start schedules the loop on g.
func (e *Engine) Start(g *schedule.Group) *schedule.Handle {
	e.running.Store(true)
	h := g.Go(schedule.Task{
		Name:     "decision",
		Interval: e.cfg.Interval,
		Run: func(ctx context.Context) error {
			_, err := e.RunOnce(ctx)
			if errors.Is(err, ErrBusy) {
				return nil
			}
			return err
		},
		OnStop: func() { e.running.Store(false) },
	})
	if h == nil {
		e.running.Store(false)
	}
	return h
}

// RunOnce executes one iteration. It returns ErrBusy when an iteration is
// already executing, and the query or apply error when one occurred.
func (e *Engine) RunOnce(ctx context.Context) (Decision, error) {
	if !e.busy.CompareAndSwap(false, true) {
		iterationsTotal.WithLabelValues("busy").Inc()
		return Decision{}, ErrBusy
	}
	defer e.busy.Store(false)

	d, err := e.iterate(ctx)
	e.history.Add(d)
	return d, err
}

func (e *Engine) iterate(ctx context.Context) (Decision, error) {
	now := e.now()
	current := e.Current()
	d := Decision{Timestamp: now, Current: current, Target: current}

	snap, err := e.query(ctx, now, current)
	if err != nil {
		e.queryFailed(now, err)
		d.Reason = "metrics query failed"
		d.Error = err.Error()
		iterationsTotal.WithLabelValues("query_error").Inc()
		return d, err
	}
	e.querySucceeded(now, snap)
	d.Snapshot = &snap

	out := e.rules.Evaluate(current, snap)
	d.Target, d.Rule, d.Reason = out.Target, out.Rule, out.Reason
	if !out.Changed(current) {
		iterationsTotal.WithLabelValues("hold").Inc()
		return d, nil
	}

	if guard := e.suppressed(now); guard != "" {
		d.Suppressed = guard
		suppressedTotal.WithLabelValues(guard).Inc()
		iterationsTotal.WithLabelValues("suppressed").Inc()
		logging.Debug("transition suppressed", logging.F(
			"component", "engine",
			"guard", guard,
			"from", current,
			"to", out.Target,
		))
		return d, nil
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	err = e.applier.Apply(actx, out.Target)
	cancel()
	if err != nil {
		d.Error = err.Error()
		e.setLastError(err)
		iterationsTotal.WithLabelValues("apply_error").Inc()
		e.events.Record(events.TypeApplyFailed, map[string]any{
			"from":   current,
			"to":     out.Target,
			"reason": out.Reason,
			"error":  err.Error(),
		})
		logging.Error("profile apply failed", logging.F(
			"component", "engine",
			"from", current,
			"to", out.Target,
			"error", err.Error(),
		))
		return d, fmt.Errorf("apply %s: %w", out.Target, err)
	}

	d.Applied = true
	e.mu.Lock()
	e.status.CurrentProfile = out.Target
	e.status.ProfileSince = now
	e.status.LastError = ""
	e.mu.Unlock()
	e.setProfileGauge(out.Target)
	transitionsTotal.WithLabelValues(out.Target, string(out.Rule)).Inc()
	iterationsTotal.WithLabelValues("transition").Inc()

	if e.store != nil {
		if err := e.store.SetMeta(ctx, MetaProfile, []byte(out.Target)); err != nil {
			logging.Warn("cannot persist active profile", logging.F("component", "engine", "error", err.Error()))
		}
	}

	e.events.Record(events.TypeProfileChanged, map[string]any{
		"from":        current,
		"to":          out.Target,
		"rule":        string(out.Rule),
		"reason":      out.Reason,
		"cost":        snap.Cost,
		"coverage":    snap.Coverage,
		"performance": snap.Performance,
	})
	logging.Info("profile changed", logging.F(
		"component", "engine",
		"from", current,
		"to", out.Target,
		"rule", string(out.Rule),
		"reason", out.Reason,
	))

	if e.osc.record(current, out.Target, now) {
		until := e.osc.frozenUntil(now)
		e.events.Record(events.TypeTransitionFrozen, map[string]any{"until": until})
		logging.Warn("profile oscillation detected, transitions frozen", logging.F(
			"component", "engine",
			"until", until,
		))
	}
	return d, nil
}

func (e *Engine) query(ctx context.Context, now time.Time, current string) (gateway.Snapshot, error) {
	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()
	rows, err := e.gw.Query(qctx, gateway.Query{
		Name:    QueryName,
		At:      now,
		Window:  e.cfg.Interval,
		Profile: current,
	})
	if err != nil {
		return gateway.Snapshot{}, err
	}
	return gateway.SnapshotFromRows(rows, now)
}

// suppressed returns the guard holding back a transition, or "".
func (e *Engine) suppressed(now time.Time) string {
	if e.cfg.MinDwell > 0 {
		e.mu.RLock()
		since := e.status.ProfileSince
		e.mu.RUnlock()
		if now.Sub(since) < e.cfg.MinDwell {
			return "min_dwell"
		}
	}
	if !e.osc.frozenUntil(now).IsZero() {
		return "oscillation_freeze"
	}
	return ""
}

func (e *Engine) queryFailed(now time.Time, err error) {
	e.mu.Lock()
	e.status.LastCheck = now
	e.status.ConsecutiveFailures++
	e.status.LastError = err.Error()
	failures := e.status.ConsecutiveFailures
	becameDegraded := !e.status.Degraded && failures >= e.cfg.DegradedAfter
	if becameDegraded {
		e.status.Degraded = true
	}
	e.mu.Unlock()

	consecutiveFailures.Set(float64(failures))
	e.events.Record(events.TypeQueryFailed, map[string]any{
		"error":                err.Error(),
		"consecutive_failures": failures,
	})
	logging.Warn("metrics query failed", logging.F(
		"component", "engine",
		"consecutive_failures", failures,
		"error", err.Error(),
	))
	if becameDegraded {
		degradedGauge.Set(1)
		e.events.Record(events.TypeDegraded, map[string]any{"consecutive_failures": failures})
		logging.Error("decision engine degraded", logging.F(
			"component", "engine",
			"consecutive_failures", failures,
		))
	}
}

func (e *Engine) querySucceeded(now time.Time, snap gateway.Snapshot) {
	e.mu.Lock()
	wasDegraded := e.status.Degraded
	e.status.LastCheck = now
	e.status.LastSnapshot = &snap
	e.status.ConsecutiveFailures = 0
	e.status.Degraded = false
	e.mu.Unlock()

	consecutiveFailures.Set(0)
	snapshotValue.WithLabelValues(gateway.FieldCost).Set(snap.Cost)
	snapshotValue.WithLabelValues(gateway.FieldCoverage).Set(snap.Coverage)
	snapshotValue.WithLabelValues(gateway.FieldPerformance).Set(snap.Performance)
	snapshotValue.WithLabelValues(gateway.FieldCardinality).Set(snap.Cardinality)
	if wasDegraded {
		degradedGauge.Set(0)
		e.events.Record(events.TypeRecovered, nil)
		logging.Info("decision engine recovered", logging.F("component", "engine"))
	}
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	e.status.LastError = err.Error()
	e.mu.Unlock()
}

func (e *Engine) setProfileGauge(active string) {
	for _, name := range e.rules.Profiles.Names() {
		v := 0.0
		if name == active {
			v = 1
		}
		activeProfile.WithLabelValues(name).Set(v)
	}
}

// Current returns the active profile.
func (e *Engine) Current() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status.CurrentProfile
}

// Status returns a copy of the engine status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	st := e.status
	e.mu.RUnlock()
	if st.LastSnapshot != nil {
		snap := *st.LastSnapshot
		st.LastSnapshot = &snap
	}
	st.Running = e.running.Load()
	st.FrozenUntil = e.osc.frozenUntil(e.now())
	return st
}

// History returns recent decisions, oldest first.
func (e *Engine) History() []Decision {
	return e.history.List()
}

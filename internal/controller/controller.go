// Package controller assembles the governor from its configuration and owns
// its lifecycle: store recovery, the periodic tasks, the health server and
// an ordered, idempotent shutdown.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/szibis/profile-governor/internal/applier"
	"github.com/szibis/profile-governor/internal/auth"
	"github.com/szibis/profile-governor/internal/checkpoint"
	"github.com/szibis/profile-governor/internal/config"
	"github.com/szibis/profile-governor/internal/engine"
	"github.com/szibis/profile-governor/internal/events"
	"github.com/szibis/profile-governor/internal/gateway"
	"github.com/szibis/profile-governor/internal/health"
	"github.com/szibis/profile-governor/internal/logging"
	"github.com/szibis/profile-governor/internal/schedule"
	"github.com/szibis/profile-governor/internal/statestore"
)

// Option overrides a component built from configuration.
type Option func(*options)

type options struct {
	gateway gateway.Gateway
	applier applier.Applier
}

// WithGateway uses g instead of the configured gateway.
func WithGateway(g gateway.Gateway) Option {
	return func(o *options) { o.gateway = g }
}

// WithApplier uses a instead of the configured applier.
func WithApplier(a applier.Applier) Option {
	return func(o *options) { o.applier = a }
}

// Controller owns every long-lived component.
type Controller struct {
	cfg *config.Config

	store       *statestore.Store
	checkpoints *checkpoint.Manager
	engine      *engine.Engine
	recorder    *events.AsyncRecorder
	memory      *events.MemorySink
	checker     *health.Checker
	server      *health.Server
	gateway     gateway.Gateway

	recovery checkpoint.RecoveryResult

	mu      sync.Mutex
	group   *schedule.Group
	started bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the controller. Configuration problems are returned before the
// store is opened; the store is then validated and recovered from
// checkpoints if needed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Controller, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rules, err := Rules(cfg.Decision)
	if err != nil {
		return nil, err
	}
	cpCfg, err := checkpointConfig(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	gw := o.gateway
	if gw == nil {
		if gw, err = gateway.New(gatewayConfig(cfg.Gateway)); err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
	}
	ap := o.applier
	if ap == nil {
		if ap, err = applier.New(applierConfig(cfg.Applier)); err != nil {
			return nil, fmt.Errorf("applier: %w", err)
		}
	}

	recorder, memory, err := events.New(eventsConfig(cfg.Events))
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	c := &Controller{
		cfg:      cfg,
		recorder: recorder,
		memory:   memory,
		gateway:  gw,
	}

	c.store, err = statestore.Open(ctx, storeConfig(cfg.Store))
	if err != nil {
		c.closeRecorder()
		return nil, fmt.Errorf("state store: %w", err)
	}
	if c.store.Recovered() {
		recorder.Record(events.TypeStoreRecovery, map[string]any{"action": "moved_aside", "path": c.store.Path()})
	}

	c.checkpoints = checkpoint.New(c.store, cpCfg)
	c.recovery = c.checkpoints.Recover(ctx)
	if c.recovery.Action != checkpoint.RecoveryNone {
		payload := map[string]any{"action": string(c.recovery.Action), "attempts": c.recovery.Attempts}
		if c.recovery.Cause != nil {
			payload["cause"] = c.recovery.Cause.Error()
		}
		if !c.recovery.Checkpoint.IsZero() {
			payload["checkpoint"] = c.recovery.Checkpoint
		}
		if c.recovery.Err != nil {
			payload["error"] = c.recovery.Err.Error()
		}
		recorder.Record(events.TypeStoreRecovery, payload)
	}

	c.engine, err = engine.New(engineConfig(cfg.Decision), rules, gw, ap, c.store, recorder)
	if err != nil {
		c.closeAll()
		return nil, fmt.Errorf("engine: %w", err)
	}

	c.checker = health.New(c.engineState)
	c.checker.RegisterReadiness("store", func() error {
		vctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return c.store.Ping(vctx)
	})
	if b, ok := gw.(*gateway.Breaker); ok {
		c.checker.RegisterReadiness("gateway", func() error {
			if b.State() == gateway.StateOpen {
				return gateway.ErrCircuitOpen
			}
			return nil
		})
	}

	authCfg := serverAuth(cfg.Health.Auth)
	handler := health.Handler(c.checker, health.Routes{
		Protect: func(h http.Handler) http.Handler {
			return auth.HTTPMiddleware(authCfg, h)
		},
		Status:    func() any { return c.Status() },
		Decisions: func() any { return c.engine.History() },
		Events:    func() any { return c.memory.Events() },
	})
	c.server, err = health.NewServer(cfg.Health.Address, handler, serverTLS(cfg.Health.TLS))
	if err != nil {
		c.closeAll()
		return nil, err
	}
	return c, nil
}

// Start resumes the persisted profile and starts the decision, checkpoint
// and compaction tasks plus the health server. It is a no-op when called
// again.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	profile := c.engine.Resume(ctx)
	c.group = schedule.NewGroup(ctx)
	c.engine.Start(c.group)
	c.group.Go(schedule.Task{
		Name:     "checkpoint",
		Interval: c.cfg.Checkpoint.Interval.Std(),
		Run:      c.checkpoint,
	})
	c.group.Go(schedule.Task{
		Name:     "compaction",
		Interval: c.cfg.Store.CompactionInterval.Std(),
		Run: func(ctx context.Context) error {
			_, err := c.store.Compact(ctx)
			return err
		},
	})
	c.server.Start()

	logging.Info("profile-governor started", logging.F(
		"component", "controller",
		"profile", profile,
		"store", c.store.Path(),
		"health_addr", c.server.Addr(),
		"gateway", c.cfg.Gateway.Backend,
		"applier", c.cfg.Applier.Mode,
		"recovery", string(c.recovery.Action),
	))
}

func (c *Controller) checkpoint(ctx context.Context) error {
	if _, err := c.checkpoints.Checkpoint(ctx); err != nil {
		if ctx.Err() == nil {
			c.recorder.Record(events.TypeCheckpointFailed, map[string]any{"error": err.Error()})
		}
		return err
	}
	return nil
}

// Shutdown stops the tasks, takes a final checkpoint, flushes events and
// closes the store. Only the first call does the work; later calls return
// the same result.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		logging.Info("shutting down", logging.F("component", "controller"))
		c.checker.SetShuttingDown()

		var errs []error
		if err := c.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}

		c.mu.Lock()
		group := c.group
		c.mu.Unlock()
		if group != nil {
			group.Stop()
		}

		// A failed final checkpoint does not stop the shutdown.
		if _, err := c.checkpoints.Checkpoint(ctx); err != nil {
			logging.Error("final checkpoint failed", logging.F("component", "controller", "error", err.Error()))
			c.recorder.Record(events.TypeCheckpointFailed, map[string]any{"error": err.Error(), "final": true})
		}

		if err := c.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state store: %w", err))
		}
		c.shutdownErr = errors.Join(errs...)
		logging.Info("shutdown complete", logging.F("component", "controller"))
	})
	return c.shutdownErr
}

func (c *Controller) closeRecorder() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.recorder.Close(ctx)
}

// closeAll releases what New opened before failing.
func (c *Controller) closeAll() {
	c.closeRecorder()
	if err := c.store.Close(); err != nil {
		logging.Warn("closing state store", logging.F("component", "controller", "error", err.Error()))
	}
}

// Status is the document served on /status.
type Status struct {
	Engine   engine.Status             `json:"engine"`
	Store    statestore.Stats          `json:"store"`
	DBSize   int64                     `json:"db_size_bytes"`
	Recovery checkpoint.RecoveryResult `json:"recovery"`
	Gateway  string                    `json:"gateway_breaker,omitempty"`
}

// Status returns the combined status of the engine and store.
func (c *Controller) Status() Status {
	st := Status{
		Engine:   c.engine.Status(),
		Store:    c.store.Stats(),
		DBSize:   c.store.DBSize(),
		Recovery: c.recovery,
	}
	if b, ok := c.gateway.(*gateway.Breaker); ok {
		st.Gateway = b.State().String()
	}
	return st
}

func (c *Controller) engineState() health.EngineState {
	st := c.engine.Status()
	hs := health.EngineState{
		Running:             st.Running,
		Degraded:            st.Degraded,
		LastCheck:           st.LastCheck,
		CurrentProfile:      st.CurrentProfile,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastError:           st.LastError,
	}
	if s := st.LastSnapshot; s != nil {
		hs.Metrics = map[string]float64{
			gateway.FieldCost:        s.Cost,
			gateway.FieldCoverage:    s.Coverage,
			gateway.FieldPerformance: s.Performance,
			gateway.FieldCardinality: s.Cardinality,
		}
	}
	return hs
}

// Engine returns the decision engine.
func (c *Controller) Engine() *engine.Engine { return c.engine }

// Store returns the process-state store.
func (c *Controller) Store() *statestore.Store { return c.store }

// Checkpoints returns the checkpoint manager.
func (c *Controller) Checkpoints() *checkpoint.Manager { return c.checkpoints }

// Recovery returns what startup recovery did.
func (c *Controller) Recovery() checkpoint.RecoveryResult { return c.recovery }

// Events returns recently recorded events.
func (c *Controller) Events() []events.Event { return c.memory.Events() }

// HealthURL returns the base URL of the health server.
func (c *Controller) HealthURL() string { return c.server.URL() }

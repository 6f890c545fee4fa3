// Package schedule runs periodic tasks bound to one parent context.
package schedule

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/profile-governor/internal/logging"
)

// Task is a named periodic function. Errors are logged and counted; they
// never stop the task.
type Task struct {
	Name     string
	Interval time.Duration
	// Immediate runs the task once right away instead of after the first interval.
	Immediate bool
	Run       func(ctx context.Context) error
	// OnStop, if set, is called once after the task has stopped.
	OnStop func()
}

// Handle cancels one task.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the task and waits for a run in progress to return.
func (h *Handle) Cancel() {
	h.cancel()
	<-h.done
}

// Group runs tasks until Stop is called or the parent context ends.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	eg     errgroup.Group

	mu      sync.Mutex
	stopped bool
}

// NewGroup creates a group whose tasks stop when parent is done.
func NewGroup(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Go starts t. It returns nil when the group is already stopped.
func (g *Group) Go(t Task) *Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return nil
	}
	if t.Interval <= 0 {
		t.Interval = time.Minute
	}
	ctx, cancel := context.WithCancel(g.ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	g.eg.Go(func() error {
		defer close(h.done)
		defer cancel()
		if t.OnStop != nil {
			defer t.OnStop()
		}
		loop(ctx, t)
		return nil
	})
	return h
}

// Stop cancels every task and waits for them to return.
func (g *Group) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.cancel()
	_ = g.eg.Wait()
}

func loop(ctx context.Context, t Task) {
	if t.Immediate {
		runOnce(ctx, t)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, t)
			// Ticks that fired during the run are swallowed.
			select {
			case <-ticker.C:
				skippedTicks.WithLabelValues(t.Name).Inc()
			default:
			}
		}
	}
}

func runOnce(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := t.Run(ctx)
	taskDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		taskRuns.WithLabelValues(t.Name, "error").Inc()
		if ctx.Err() == nil {
			logging.Warn("scheduled task failed", logging.F(
				"component", "schedule",
				"task", t.Name,
				"error", err.Error(),
			))
		}
		return
	}
	taskRuns.WithLabelValues(t.Name, "ok").Inc()
}

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/szibis/profile-governor/internal/logging"
)

// RecoveryAction describes what Recover did.
type RecoveryAction string

const (
	// RecoveryNone means the store validated and was left alone.
	RecoveryNone RecoveryAction = "none"
	// RecoveryRestored means a checkpoint was restored.
	RecoveryRestored RecoveryAction = "restored"
	// RecoveryReset means no checkpoint could be restored and the store was cleared.
	RecoveryReset RecoveryAction = "reset"
)

// RecoveryResult reports the outcome of Recover.
type RecoveryResult struct {
	Action RecoveryAction `json:"action"`
	// Checkpoint is the restored checkpoint when Action is RecoveryRestored.
	Checkpoint time.Time `json:"checkpoint,omitempty"`
	// Attempts is the number of checkpoints tried.
	Attempts int `json:"attempts"`
	// Cause is why the store failed validation.
	Cause error `json:"-"`
	// Err is set only when even the reset failed.
	Err error `json:"-"`
}

// Recover validates the store. On failure it tries every checkpoint newest
// first and stops at the first one that restores. When none does, it clears
// the store and writes a fresh version marker. It never refuses to start;
// a failed reset is reported in RecoveryResult.Err.
func (m *Manager) Recover(ctx context.Context) RecoveryResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	cause := m.store.Validate(ctx)
	if cause == nil {
		recoveriesTotal.WithLabelValues(string(RecoveryNone)).Inc()
		return RecoveryResult{Action: RecoveryNone}
	}
	logging.Warn("state store failed validation, recovering from checkpoints", logging.F(
		"component", "checkpoint",
		"error", cause.Error(),
	))

	res := RecoveryResult{Cause: cause}
	list, err := m.store.ListCheckpoints(ctx)
	if err != nil {
		logging.Warn("cannot list checkpoints", logging.F("component", "checkpoint", "error", err.Error()))
	}
	for _, ts := range list {
		if ctx.Err() != nil {
			break
		}
		res.Attempts++
		if err := m.restore(ctx, ts); err != nil {
			logging.Warn("checkpoint unusable", logging.F(
				"component", "checkpoint",
				"timestamp", ts.Format(time.RFC3339Nano),
				"error", err.Error(),
			))
			continue
		}
		if err := m.store.WriteVersion(ctx); err != nil {
			res.Err = fmt.Errorf("write version marker: %w", err)
		}
		res.Action = RecoveryRestored
		res.Checkpoint = ts
		recoveriesTotal.WithLabelValues(string(RecoveryRestored)).Inc()
		logging.Info("state store recovered from checkpoint", logging.F(
			"component", "checkpoint",
			"timestamp", ts.Format(time.RFC3339Nano),
			"attempts", res.Attempts,
		))
		return res
	}

	res.Action = RecoveryReset
	res.Err = errors.Join(m.store.Clear(ctx), m.store.WriteVersion(ctx))
	recoveriesTotal.WithLabelValues(string(RecoveryReset)).Inc()
	logging.Error("no usable checkpoint, state store reset", logging.F(
		"component", "checkpoint",
		"attempts", res.Attempts,
	))
	return res
}

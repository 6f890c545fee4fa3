package statestore

import (
	"context"
	"time"

	"github.com/szibis/profile-governor/internal/logging"
)

// CompactResult summarizes one compaction run.
type CompactResult struct {
	Deleted  int
	Batches  int
	Duration time.Duration
	DBSize   int64
}

// Compact deletes expired rows in batches of CompactionBatch, releasing the
// writer between batches, then folds the WAL back into the database file.
func (s *Store) Compact(ctx context.Context) (CompactResult, error) {
	if err := s.checkOpen(); err != nil {
		return CompactResult{}, err
	}
	start := time.Now()
	var res CompactResult

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := s.kv.deleteExpired(ctx, s.now(), s.cfg.CompactionBatch)
		if err != nil {
			observe("compact", err)
			return res, err
		}
		res.Batches++
		res.Deleted += n
		if n < s.cfg.CompactionBatch {
			break
		}
		// Let queued writers in before the next batch.
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	if res.Deleted > 0 {
		s.count(func(st *Stats) { st.Expired += uint64(res.Deleted) })
		expiredPurgedTotal.Add(float64(res.Deleted))
	}
	if err := s.kv.walCheckpoint(ctx); err != nil {
		logging.Warn("wal checkpoint failed", logging.F("component", "statestore", "error", err.Error()))
	}
	if err := s.checkIntegrity(ctx); err != nil && ctx.Err() == nil {
		logging.Error("integrity check failed", logging.F("component", "statestore", "error", err.Error()))
	}

	res.Duration = time.Since(start)
	res.DBSize = s.DBSize()
	compactionDuration.Observe(res.Duration.Seconds())
	observe("compact", nil)

	if res.Deleted > 0 {
		logging.Info("store compaction complete", logging.F(
			"component", "statestore",
			"deleted", res.Deleted,
			"batches", res.Batches,
			"duration_ms", res.Duration.Milliseconds(),
			"db_size_bytes", res.DBSize,
		))
	}
	return res, nil
}

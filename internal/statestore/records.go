package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/szibis/profile-governor/internal/codec"
	"github.com/szibis/profile-governor/internal/logging"
)

// ErrVersionMismatch is returned by Validate when the schema marker is
// missing or differs from StateVersion.
var ErrVersionMismatch = errors.New("state version mismatch")

// PutCheckpoint stores an encoded checkpoint taken at ts.
func (s *Store) PutCheckpoint(ctx context.Context, ts time.Time, data []byte, ttl time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.kv.put(ctx, CheckpointKey(ts), data, expiry(s.now(), ttl))
	observe("put_checkpoint", err)
	return err
}

// GetCheckpoint returns the encoded checkpoint taken at ts.
func (s *Store) GetCheckpoint(ctx context.Context, ts time.Time) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, ok, err := s.kv.get(ctx, CheckpointKey(ts), s.now())
	observe("get_checkpoint", err)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", ts.Format(time.RFC3339Nano), ErrNotFound)
	}
	return data, nil
}

// ListCheckpoints returns the timestamps of live checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context) ([]time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	keys, err := s.kv.scanKeys(ctx, PrefixCheckpoint, s.now(), true)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(keys))
	for _, k := range keys {
		ts, err := ParseCheckpointKey(k)
		if err != nil {
			logging.Warn("ignoring malformed checkpoint key", logging.F("component", "statestore", "key", k))
			continue
		}
		out = append(out, ts)
	}
	return out, nil
}

// DeleteCheckpoint removes the checkpoint taken at ts.
func (s *Store) DeleteCheckpoint(ctx context.Context, ts time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.kv.delete(ctx, CheckpointKey(ts))
	observe("delete_checkpoint", err)
	return err
}

// ReplaceAll atomically replaces every process state with states. Each
// state passes the same validation and encoding as Save and gets a fresh
// TTL; invalid ones are logged and skipped. It returns how many were stored.
func (s *Store) ReplaceAll(ctx context.Context, states []ProcessState) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	now := s.now()
	exp := expiry(now, s.cfg.StateTTL)

	records := make([]kvRecord, 0, len(states))
	seen := make(map[int]int, len(states))
	for _, st := range states {
		if err := st.Validate(); err != nil {
			s.count(func(x *Stats) { x.Errors++ })
			logging.Warn("skipping invalid state during replace", logging.F(
				"component", "statestore",
				"pid", st.PID,
				"error", err.Error(),
			))
			continue
		}
		if st.LastUpdated.IsZero() {
			st.LastUpdated = now
		}
		data, err := codec.Marshal(st)
		if err != nil {
			s.count(func(x *Stats) { x.Errors++ })
			continue
		}
		rec := kvRecord{key: ProcessKey(st.PID), value: data, expiresAt: exp}
		// Duplicate pids keep the last occurrence.
		if i, dup := seen[st.PID]; dup {
			records[i] = rec
			continue
		}
		seen[st.PID] = len(records)
		records = append(records, rec)
	}

	// Hold every stripe so no Save interleaves with the swap.
	for i := range s.stripes {
		s.stripes[i].Lock()
	}
	defer func() {
		for i := range s.stripes {
			s.stripes[i].Unlock()
		}
	}()

	if err := s.kv.replacePrefix(ctx, PrefixProcess, records); err != nil {
		observe("replace_all", err)
		s.count(func(x *Stats) { x.Errors++ })
		return 0, err
	}
	observe("replace_all", nil)
	for pid := range seen {
		s.pids.add(pid)
	}
	return len(records), nil
}

// Clear removes every record in every namespace, including the version marker.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	for i := range s.stripes {
		s.stripes[i].Lock()
	}
	defer func() {
		for i := range s.stripes {
			s.stripes[i].Unlock()
		}
	}()
	err := s.kv.clear(ctx)
	observe("clear", err)
	if err == nil {
		s.pids.reset()
	}
	return err
}

// SetMeta stores a metadata record that never expires.
func (s *Store) SetMeta(ctx context.Context, name string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.kv.put(ctx, MetaKey(name), value, 0)
	observe("set_meta", err)
	return err
}

// GetMeta returns a metadata record.
func (s *Store) GetMeta(ctx context.Context, name string) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	v, ok, err := s.kv.get(ctx, MetaKey(name), s.now())
	observe("get_meta", err)
	return v, ok, err
}

// WriteVersion writes the current schema marker.
func (s *Store) WriteVersion(ctx context.Context) error {
	return s.SetMeta(ctx, metaVersion, []byte(StateVersion))
}

// Validate checks the schema marker and runs an SQLite integrity check.
// The integrity result is kept for Ping.
func (s *Store) Validate(ctx context.Context) error {
	if err := s.checkVersion(ctx); err != nil {
		return err
	}
	return s.checkIntegrity(ctx)
}

// Ping checks the schema marker and returns the result of the last
// integrity check run by Validate or Compact. It does not scan the database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkVersion(ctx); err != nil {
		return err
	}
	s.integrityMu.Lock()
	defer s.integrityMu.Unlock()
	return s.integrityErr
}

func (s *Store) checkVersion(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	v, ok, err := s.GetMeta(ctx, metaVersion)
	if err != nil {
		return fmt.Errorf("read version marker: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: marker missing", ErrVersionMismatch)
	}
	if string(v) != StateVersion {
		return fmt.Errorf("%w: have %q, want %q", ErrVersionMismatch, v, StateVersion)
	}
	return nil
}

func (s *Store) checkIntegrity(ctx context.Context) error {
	err := quickCheck(ctx, s.kv.reader)
	if ctx.Err() != nil {
		// Interrupted, not a verdict.
		return err
	}
	s.integrityMu.Lock()
	s.integrityErr = err
	s.integrityMu.Unlock()
	return err
}

// Package checkpoint takes versioned, compressed and digested snapshots of
// the process-state store, restores them, and recovers the store on startup.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/szibis/profile-governor/internal/codec"
	"github.com/szibis/profile-governor/internal/compression"
	"github.com/szibis/profile-governor/internal/logging"
	"github.com/szibis/profile-governor/internal/statestore"
)

// Version is the checkpoint format written by this package. Envelopes with
// any other version are rejected whole.
const Version = 1

var (
	// ErrUnsupportedVersion is returned for checkpoints of an unknown format.
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
	// ErrDigestMismatch is returned when a payload does not match its digest.
	ErrDigestMismatch = errors.New("checkpoint digest mismatch")
)

// Store is the subset of the state store the manager uses.
type Store interface {
	LoadAll(ctx context.Context) ([]statestore.ProcessState, error)
	Stats() statestore.Stats
	PutCheckpoint(ctx context.Context, ts time.Time, data []byte, ttl time.Duration) error
	GetCheckpoint(ctx context.Context, ts time.Time) ([]byte, error)
	ListCheckpoints(ctx context.Context) ([]time.Time, error)
	DeleteCheckpoint(ctx context.Context, ts time.Time) error
	ReplaceAll(ctx context.Context, states []statestore.ProcessState) (int, error)
	Clear(ctx context.Context) error
	WriteVersion(ctx context.Context) error
	Validate(ctx context.Context) error
}

// Config holds checkpoint settings.
type Config struct {
	// TTL is how long a checkpoint stays readable.
	TTL time.Duration
	// MaxRetained caps the number of checkpoints kept; older ones are deleted
	// after each new checkpoint. 0 keeps all of them until TTL.
	MaxRetained int
	// Compression selects the payload codec.
	Compression compression.Config
}

// DefaultConfig returns the default checkpoint configuration.
func DefaultConfig() Config {
	return Config{
		TTL:         7 * 24 * time.Hour,
		MaxRetained: 48,
		Compression: compression.Config{Type: compression.TypeZstd},
	}
}

// Counters are the store counters captured with a checkpoint.
type Counters struct {
	Saves   uint64 `json:"saves"`
	Loads   uint64 `json:"loads"`
	Errors  uint64 `json:"errors"`
	Stale   uint64 `json:"stale"`
	Expired uint64 `json:"expired"`
}

// envelope is the stored record. Digest covers Payload as stored.
type envelope struct {
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Codec     string    `json:"codec"`
	Digest    []byte    `json:"digest"`
	Payload   []byte    `json:"payload"`
}

// body is the decompressed payload. States are encoded one by one so a
// single undecodable entry does not invalidate the rest.
type body struct {
	Version   int                `json:"version"`
	Timestamp time.Time          `json:"timestamp"`
	States    []codec.RawMessage `json:"states"`
	Counters  Counters           `json:"counters"`
}

// Snapshot is a decoded checkpoint.
type Snapshot struct {
	Version   int
	Timestamp time.Time
	States    []statestore.ProcessState
	Counters  Counters
	// Skipped counts entries that could not be decoded.
	Skipped int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock used to timestamp checkpoints.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager writes and restores checkpoints. Checkpoint, RestoreFrom and
// Recover are serialized.
type Manager struct {
	store Store
	cfg   Config
	now   func() time.Time

	mu   sync.Mutex
	last time.Time
}

// New creates a checkpoint manager over store.
func New(store Store, cfg Config, opts ...Option) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.Compression.Type == "" {
		cfg.Compression.Type = compression.TypeZstd
	}
	m := &Manager{store: store, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Checkpoint snapshots every live process state with the store counters and
// stores it under the current time, then applies the retention cap.
func (m *Manager) Checkpoint(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	ts := m.now().UTC()
	// Keys are per-nanosecond; keep them unique and increasing.
	if !ts.After(m.last) {
		ts = m.last.Add(time.Nanosecond)
	}

	states, err := m.store.LoadAll(ctx)
	if err != nil {
		checkpointsTotal.WithLabelValues("error").Inc()
		return time.Time{}, fmt.Errorf("load states: %w", err)
	}
	data, err := m.encode(ts, states, m.store.Stats())
	if err != nil {
		checkpointsTotal.WithLabelValues("error").Inc()
		return time.Time{}, err
	}
	if err := m.store.PutCheckpoint(ctx, ts, data, m.cfg.TTL); err != nil {
		checkpointsTotal.WithLabelValues("error").Inc()
		return time.Time{}, fmt.Errorf("store checkpoint: %w", err)
	}
	m.last = ts

	pruned, err := m.prune(ctx)
	if err != nil {
		logging.Warn("checkpoint retention failed", logging.F("component", "checkpoint", "error", err.Error()))
	}

	checkpointsTotal.WithLabelValues("ok").Inc()
	checkpointDuration.Observe(time.Since(start).Seconds())
	checkpointBytes.Set(float64(len(data)))
	lastCheckpointTimestamp.Set(float64(ts.Unix()))

	logging.Info("checkpoint written", logging.F(
		"component", "checkpoint",
		"timestamp", ts.Format(time.RFC3339Nano),
		"states", len(states),
		"bytes", len(data),
		"codec", string(m.cfg.Compression.Type),
		"pruned", pruned,
	))
	return ts, nil
}

func (m *Manager) encode(ts time.Time, states []statestore.ProcessState, st statestore.Stats) ([]byte, error) {
	b := body{
		Version:   Version,
		Timestamp: ts,
		States:    make([]codec.RawMessage, 0, len(states)),
		Counters: Counters{
			Saves:   st.Saves,
			Loads:   st.Loads,
			Errors:  st.Errors,
			Stale:   st.Stale,
			Expired: st.Expired,
		},
	}
	for _, s := range states {
		raw, err := codec.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encode pid %d: %w", s.PID, err)
		}
		b.States = append(b.States, raw)
	}

	plain, err := codec.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint body: %w", err)
	}
	payload, err := compression.Compress(plain, m.cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("compress checkpoint: %w", err)
	}
	digest := blake3.Sum256(payload)

	return codec.Marshal(envelope{
		Version:   Version,
		Timestamp: ts,
		Codec:     string(m.cfg.Compression.Type),
		Digest:    digest[:],
		Payload:   payload,
	})
}

// prune deletes checkpoints beyond MaxRetained, oldest first.
func (m *Manager) prune(ctx context.Context) (int, error) {
	list, err := m.store.ListCheckpoints(ctx)
	if err != nil {
		return 0, err
	}
	retainedCheckpoints.Set(float64(len(list)))
	if m.cfg.MaxRetained <= 0 || len(list) <= m.cfg.MaxRetained {
		return 0, nil
	}
	var errs []error
	n := 0
	for _, ts := range list[m.cfg.MaxRetained:] {
		if err := m.store.DeleteCheckpoint(ctx, ts); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	retainedCheckpoints.Set(float64(len(list) - n))
	return n, errors.Join(errs...)
}

// Read loads and decodes the checkpoint taken at ts without touching the
// live process states.
func (m *Manager) Read(ctx context.Context, ts time.Time) (Snapshot, error) {
	data, err := m.store.GetCheckpoint(ctx, ts)
	if err != nil {
		return Snapshot{}, err
	}
	return decode(data)
}

func decode(data []byte) (Snapshot, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return Snapshot{}, fmt.Errorf("decode checkpoint envelope: %w", err)
	}
	if env.Version != Version {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	digest := blake3.Sum256(env.Payload)
	if !bytes.Equal(digest[:], env.Digest) {
		return Snapshot{}, ErrDigestMismatch
	}

	t, err := compression.ParseType(env.Codec)
	if err != nil {
		return Snapshot{}, err
	}
	plain, err := compression.Decompress(env.Payload, t)
	if err != nil {
		return Snapshot{}, err
	}

	var b body
	if err := codec.Unmarshal(plain, &b); err != nil {
		return Snapshot{}, fmt.Errorf("decode checkpoint body: %w", err)
	}
	if b.Version != Version {
		return Snapshot{}, fmt.Errorf("%w: body %d", ErrUnsupportedVersion, b.Version)
	}

	snap := Snapshot{
		Version:   b.Version,
		Timestamp: b.Timestamp,
		Counters:  b.Counters,
		States:    make([]statestore.ProcessState, 0, len(b.States)),
	}
	for i, raw := range b.States {
		var st statestore.ProcessState
		if err := codec.Unmarshal(raw, &st); err != nil {
			snap.Skipped++
			logging.Warn("skipping undecodable checkpoint entry", logging.F(
				"component", "checkpoint",
				"index", i,
				"error", err.Error(),
			))
			continue
		}
		snap.States = append(snap.States, st)
	}
	return snap, nil
}

// RestoreFrom replaces the live process states with the checkpoint taken at
// ts. The swap is atomic: readers see either the old or the new set.
func (m *Manager) RestoreFrom(ctx context.Context, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restore(ctx, ts)
}

func (m *Manager) restore(ctx context.Context, ts time.Time) error {
	snap, err := m.Read(ctx, ts)
	if err != nil {
		restoresTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("checkpoint %s: %w", ts.Format(time.RFC3339Nano), err)
	}
	n, err := m.store.ReplaceAll(ctx, snap.States)
	if err != nil {
		restoresTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("restore checkpoint %s: %w", ts.Format(time.RFC3339Nano), err)
	}
	restoresTotal.WithLabelValues("ok").Inc()
	logging.Info("checkpoint restored", logging.F(
		"component", "checkpoint",
		"timestamp", ts.Format(time.RFC3339Nano),
		"restored", n,
		"skipped", snap.Skipped+len(snap.States)-n,
	))
	return nil
}

// List returns checkpoint timestamps, newest first.
func (m *Manager) List(ctx context.Context) ([]time.Time, error) {
	return m.store.ListCheckpoints(ctx)
}

// Latest returns the newest checkpoint timestamp, if any.
func (m *Manager) Latest(ctx context.Context) (time.Time, bool, error) {
	list, err := m.store.ListCheckpoints(ctx)
	if err != nil || len(list) == 0 {
		return time.Time{}, false, err
	}
	return list[0], true, nil
}

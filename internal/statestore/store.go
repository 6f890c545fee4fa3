// Package statestore persists per-process classification state in an
// embedded SQLite key space with TTL expiry, and holds the checkpoint and
// metadata records of the controller.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/szibis/profile-governor/internal/codec"
	"github.com/szibis/profile-governor/internal/logging"
)

// DBFileName is the database file created under Config.Path.
const DBFileName = "state.db"

const stripeCount = 64

// Config holds store settings.
type Config struct {
	// Path is the directory holding the database file.
	Path string
	// StateTTL is how long a process state stays visible after its last Save.
	StateTTL time.Duration
	// CompactionBatch is the number of expired rows deleted per batch.
	CompactionBatch int
	// BloomExpectedItems and BloomFPRate size the never-seen pid filter.
	BloomExpectedItems uint
	BloomFPRate        float64
	// CacheSize is the SQLite page cache size in bytes.
	CacheSize int64
	// Readers is the size of the read connection pool (default: max(NumCPU, 4)).
	Readers int
}

// DefaultConfig returns the default store configuration for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:               path,
		StateTTL:           24 * time.Hour,
		CompactionBatch:    500,
		BloomExpectedItems: 100000,
		BloomFPRate:        0.01,
		CacheSize:          8 << 20,
	}
}

// Stats is a point-in-time copy of the store counters.
type Stats struct {
	Saves        uint64 `json:"saves"`
	Loads        uint64 `json:"loads"`
	Errors       uint64 `json:"errors"`
	Stale        uint64 `json:"stale"`
	Expired      uint64 `json:"expired"`
	Corrupt      uint64 `json:"corrupt"`
	ObservedPIDs uint64 `json:"observed_pids"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for TTLs and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the process-state store. Safe for concurrent use.
type Store struct {
	cfg       Config
	kv        *kv
	now       func() time.Time
	stripes   [stripeCount]sync.Mutex
	pids      *pidIndex
	recovered bool
	closed    atomic.Bool

	statsMu sync.Mutex
	stats   Stats

	// integrityErr is the result of the last completed quick_check.
	integrityMu  sync.Mutex
	integrityErr error
}

// Open opens or creates the store under cfg.Path. If the database file
// cannot be read it is renamed to "<file>.corrupt-<unix>" and a fresh one
// is created; Recovered then reports true.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("statestore: path is required")
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 24 * time.Hour
	}
	if cfg.CompactionBatch <= 0 {
		cfg.CompactionBatch = 500
	}
	if cfg.Readers <= 0 {
		cfg.Readers = max(runtime.NumCPU(), 4)
	}

	s := &Store{
		cfg:  cfg,
		now:  time.Now,
		pids: newPIDIndex(cfg.BloomExpectedItems, cfg.BloomFPRate),
	}
	for _, o := range opts {
		o(s)
	}

	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(cfg.Path, DBFileName)

	db, err := openKV(ctx, dbPath, cfg.CacheSize, cfg.Readers)
	if errors.Is(err, errUnreadable) {
		aside, mvErr := moveAside(dbPath, s.now())
		if mvErr != nil {
			return nil, fmt.Errorf("move unreadable db aside: %w (open error: %v)", mvErr, err)
		}
		logging.Error("state database unreadable, starting fresh", logging.F(
			"component", "statestore",
			"path", dbPath,
			"moved_to", aside,
			"error", err.Error(),
		))
		recoveriesTotal.Inc()
		s.recovered = true
		db, err = openKV(ctx, dbPath, cfg.CacheSize, cfg.Readers)
	}
	if err != nil {
		return nil, err
	}
	s.kv = db

	if err := s.initialize(ctx); err != nil {
		db.close()
		return nil, err
	}

	logging.Info("state store opened", logging.F(
		"component", "statestore",
		"path", dbPath,
		"state_ttl", cfg.StateTTL.String(),
		"recovered", s.recovered,
	))
	return s, nil
}

// initialize writes the version marker into an empty database and seeds the
// pid index from the live process keys.
func (s *Store) initialize(ctx context.Context) error {
	now := s.now()
	keys, err := s.kv.scanKeys(ctx, PrefixProcess, now, false)
	if err != nil {
		return err
	}
	for _, k := range keys {
		var pid int
		if _, err := fmt.Sscanf(k, PrefixProcess+"%d", &pid); err == nil {
			s.pids.add(pid)
		}
	}

	if _, ok, err := s.kv.get(ctx, MetaKey(metaVersion), now); err != nil {
		return err
	} else if !ok && len(keys) == 0 {
		return s.WriteVersion(ctx)
	}
	return nil
}

func moveAside(path string, now time.Time) (string, error) {
	aside := fmt.Sprintf("%s.corrupt-%d", path, now.Unix())
	if err := os.Rename(path, aside); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(path+suffix, aside+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return aside, nil
}

// Recovered reports whether Open replaced an unreadable database file.
func (s *Store) Recovered() bool { return s.recovered }

// Path returns the database file path.
func (s *Store) Path() string { return s.kv.path }

func (s *Store) stripe(pid int) *sync.Mutex {
	return &s.stripes[xxhash.Sum64(pidBytes(pid))%stripeCount]
}

func (s *Store) count(f func(*Stats)) {
	s.statsMu.Lock()
	f(&s.stats)
	s.statsMu.Unlock()
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Save upserts state and refreshes its TTL. A zero LastUpdated is stamped
// with the store clock. A state older than the stored one is discarded and
// Save returns nil.
func (s *Store) Save(ctx context.Context, state ProcessState) (err error) {
	defer func() { observe("save", err) }()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := state.Validate(); err != nil {
		s.count(func(st *Stats) { st.Errors++ })
		return err
	}
	now := s.now()
	if state.LastUpdated.IsZero() {
		state.LastUpdated = now
	}

	mu := s.stripe(state.PID)
	mu.Lock()
	defer mu.Unlock()

	key := ProcessKey(state.PID)
	if s.pids.mayContain(state.PID) {
		raw, ok, err := s.kv.get(ctx, key, now)
		if err != nil {
			s.count(func(st *Stats) { st.Errors++ })
			return err
		}
		if ok {
			var existing ProcessState
			if err := codec.Unmarshal(raw, &existing); err == nil && existing.LastUpdated.After(state.LastUpdated) {
				s.count(func(st *Stats) { st.Stale++ })
				staleWritesTotal.Inc()
				logging.Debug("stale process state discarded", logging.F(
					"component", "statestore",
					"pid", state.PID,
					"stored", existing.LastUpdated,
					"incoming", state.LastUpdated,
				))
				return nil
			}
		}
	}

	data, err := codec.Marshal(state)
	if err != nil {
		s.count(func(st *Stats) { st.Errors++ })
		return fmt.Errorf("encode pid %d: %w", state.PID, err)
	}
	if err := s.kv.put(ctx, key, data, expiry(now, s.cfg.StateTTL)); err != nil {
		s.count(func(st *Stats) { st.Errors++ })
		return err
	}
	s.pids.add(state.PID)
	s.count(func(st *Stats) { st.Saves++ })
	return nil
}

// Load returns the live state for pid. Absent, expired and never-written
// pids all report (zero, false, nil).
func (s *Store) Load(ctx context.Context, pid int) (state ProcessState, found bool, err error) {
	defer func() { observe("load", err) }()
	if err := s.checkOpen(); err != nil {
		return ProcessState{}, false, err
	}
	s.count(func(st *Stats) { st.Loads++ })

	if !s.pids.mayContain(pid) {
		bloomSkipsTotal.Inc()
		return ProcessState{}, false, nil
	}

	raw, ok, err := s.kv.get(ctx, ProcessKey(pid), s.now())
	if err != nil {
		s.count(func(st *Stats) { st.Errors++ })
		return ProcessState{}, false, err
	}
	if !ok {
		return ProcessState{}, false, nil
	}
	if err := codec.Unmarshal(raw, &state); err != nil {
		s.markCorrupt(ProcessKey(pid), err)
		return ProcessState{}, false, fmt.Errorf("%w: pid %d: %v", ErrCorruptRecord, pid, err)
	}
	return state, true, nil
}

func (s *Store) markCorrupt(key string, err error) {
	s.count(func(st *Stats) { st.Corrupt++ })
	corruptRecordsTotal.Inc()
	logging.Warn("corrupt record skipped", logging.F(
		"component", "statestore",
		"key", key,
		"error", err.Error(),
	))
}

// LoadAll returns every live state ordered by key. Records that fail to
// decode are logged, counted and skipped.
func (s *Store) LoadAll(ctx context.Context) (states []ProcessState, err error) {
	defer func() { observe("load_all", err) }()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.count(func(st *Stats) { st.Loads++ })

	err = s.kv.scan(ctx, PrefixProcess, s.now(), false, func(key string, value []byte) error {
		var st ProcessState
		if err := codec.Unmarshal(value, &st); err != nil {
			s.markCorrupt(key, err)
			return nil
		}
		states = append(states, st)
		return nil
	})
	if err != nil {
		s.count(func(st *Stats) { st.Errors++ })
		return nil, err
	}
	return states, nil
}

// Delete removes pid. Deleting an absent pid is not an error.
func (s *Store) Delete(ctx context.Context, pid int) (err error) {
	defer func() { observe("delete", err) }()
	if err := s.checkOpen(); err != nil {
		return err
	}
	mu := s.stripe(pid)
	mu.Lock()
	defer mu.Unlock()
	if err := s.kv.delete(ctx, ProcessKey(pid)); err != nil {
		s.count(func(st *Stats) { st.Errors++ })
		return err
	}
	return nil
}

// Stats returns a copy of the store counters.
func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	st := s.stats
	s.statsMu.Unlock()
	st.ObservedPIDs = s.pids.estimate()
	observedPIDs.Set(float64(st.ObservedPIDs))
	return st
}

// DBSize returns the on-disk size of the database in bytes.
func (s *Store) DBSize() int64 {
	n := s.kv.size()
	dbSizeBytes.Set(float64(n))
	return n
}

// Close closes the database. Further calls return ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	st := s.Stats()
	logging.Info("state store closed", logging.F(
		"component", "statestore",
		"saves", st.Saves,
		"loads", st.Loads,
		"errors", st.Errors,
		"stale", st.Stale,
	))
	return s.kv.close()
}

package applier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/szibis/profile-governor/internal/logging"
)

// ProfileFile is the document written in file mode.
type ProfileFile struct {
	Profile   string    `yaml:"profile"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// File writes the active profile to a YAML file with write-to-temp + rename
// and then signals the pipeline process named by a pid file. When the signal
// fails the previous file is put back, so the file only ever names a profile
// that was applied successfully.
type File struct {
	path    string
	pidFile string
	signal  unix.Signal
	now     func() time.Time

	mu sync.Mutex
}

// NewFile creates a file applier.
func NewFile(path, pidFile string, sig unix.Signal) (*File, error) {
	if path == "" {
		return nil, errors.New("file applier: path is required")
	}
	return &File{path: path, pidFile: pidFile, signal: sig, now: time.Now}, nil
}

// Current returns the profile in the file, or "" when it does not exist.
func (f *File) Current() (string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read profile file: %w", err)
	}
	return parseProfile(data)
}

func parseProfile(data []byte) (string, error) {
	var doc ProfileFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse profile file: %w", err)
	}
	return doc.Profile, nil
}

// Apply writes profile unless the file already holds it, then signals.
func (f *File) Apply(ctx context.Context, profile string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	prev, err := os.ReadFile(f.path)
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read profile file: %w", err)
	}
	if exists {
		current, perr := parseProfile(prev)
		if perr != nil {
			logging.Warn("profile file unreadable, rewriting", logging.F("component", "applier", "error", perr.Error()))
		} else if current == profile {
			return nil
		}
	}

	data, err := yaml.Marshal(ProfileFile{Profile: profile, UpdatedAt: f.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal profile file: %w", err)
	}
	if err := atomicWrite(f.path, data); err != nil {
		appliesTotal.WithLabelValues(ModeFile, "error").Inc()
		return err
	}

	if err := f.notify(); err != nil {
		appliesTotal.WithLabelValues(ModeFile, "error").Inc()
		if rerr := f.restore(prev, exists); rerr != nil {
			logging.Error("restoring profile file failed", logging.F(
				"component", "applier",
				"path", f.path,
				"error", rerr.Error(),
			))
			return errors.Join(err, rerr)
		}
		return err
	}
	appliesTotal.WithLabelValues(ModeFile, "ok").Inc()

	logging.Info("profile applied", logging.F(
		"component", "applier",
		"profile", profile,
		"path", f.path,
	))
	return nil
}

// restore puts back the file content seen before a failed apply.
func (f *File) restore(prev []byte, existed bool) error {
	if !existed {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove profile file: %w", err)
		}
		return nil
	}
	return atomicWrite(f.path, prev)
}

func (f *File) notify() error {
	if f.pidFile == "" {
		return nil
	}
	raw, err := os.ReadFile(f.pidFile)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid in %s: %q", f.pidFile, strings.TrimSpace(string(raw)))
	}
	if err := unix.Kill(pid, f.signal); err != nil {
		return fmt.Errorf("signal pid %d with %s: %w", pid, unix.SignalName(f.signal), err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".profile-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename to target: %w", err)
	}
	return nil
}

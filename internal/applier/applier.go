// Package applier hands the selected profile to the filtering pipeline.
package applier

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/szibis/profile-governor/internal/logging"
)

// Modes.
const (
	ModeFile   = "file"
	ModeDryRun = "dry_run"
)

// Applier makes a profile active. Applying the profile that is already
// active is a no-op.
type Applier interface {
	Apply(ctx context.Context, profile string) error
}

// Config selects and configures an applier.
type Config struct {
	Mode string
	// Path is the profile file written in file mode.
	Path string
	// PIDFile names the process signalled after a change. Empty skips signalling.
	PIDFile string
	// Signal is the signal name, e.g. "SIGHUP".
	Signal string
}

// New builds the configured applier.
func New(cfg Config) (Applier, error) {
	switch cfg.Mode {
	case "", ModeDryRun:
		return NewDryRun(), nil
	case ModeFile:
		sig, err := ParseSignal(cfg.Signal)
		if err != nil {
			return nil, err
		}
		return NewFile(cfg.Path, cfg.PIDFile, sig)
	default:
		return nil, fmt.Errorf("unknown applier mode %q", cfg.Mode)
	}
}

// ParseSignal accepts names with or without the SIG prefix. Empty means SIGHUP.
func ParseSignal(name string) (unix.Signal, error) {
	if name == "" {
		return unix.SIGHUP, nil
	}
	n := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	sig := unix.SignalNum(n)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// DryRun logs profile changes and applies nothing.
type DryRun struct {
	mu      sync.Mutex
	current string
	applied []string
}

// NewDryRun creates a dry-run applier.
func NewDryRun() *DryRun { return &DryRun{} }

// Apply records profile.
func (d *DryRun) Apply(_ context.Context, profile string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if profile == d.current {
		return nil
	}
	logging.Info("dry run: profile change not applied", logging.F(
		"component", "applier",
		"from", d.current,
		"to", profile,
	))
	d.current = profile
	d.applied = append(d.applied, profile)
	appliesTotal.WithLabelValues(ModeDryRun, "ok").Inc()
	return nil
}

// Applied returns every profile recorded so far, in order.
func (d *DryRun) Applied() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.applied...)
}

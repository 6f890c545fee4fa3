package engine

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/szibis/profile-governor/internal/applier"
	"github.com/szibis/profile-governor/internal/profile"
)

// The profile file must keep naming the engine's current profile when the
// pipeline cannot be signalled.
func TestFailedSignalKeepsFileOnCurrentProfile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	pidFile := filepath.Join(dir, "pipeline.pid")
	writePID := func(pid int) {
		t.Helper()
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	// Signal 0 only checks that the process exists.
	writePID(os.Getpid())
	ap, err := applier.NewFile(path, pidFile, unix.Signal(0))
	if err != nil {
		t.Fatal(err)
	}

	gw := &fakeGateway{}
	clock := newClock()
	e, err := New(DefaultConfig(), exampleRules(t), gw, ap, newMemMeta(), &recorder{}, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	if got := e.Resume(ctx); got != profile.Balanced {
		t.Fatalf("Resume = %s", got)
	}

	fileProfile := func() string {
		t.Helper()
		p, err := ap.Current()
		if err != nil {
			t.Fatal(err)
		}
		return p
	}
	tick := func() error {
		clock.Advance(time.Minute)
		_, err := e.RunOnce(ctx)
		return err
	}

	writePID(999999999)
	gw.metrics(2500, 0.95, 0.9)
	if err := tick(); err == nil {
		t.Fatal("expected apply error for a dead pid")
	}
	if e.Current() != profile.Balanced || fileProfile() != profile.Balanced {
		t.Fatalf("after failed apply: engine %s, file %s", e.Current(), fileProfile())
	}

	// Back in the hold band: nothing is applied and the file still agrees.
	gw.metrics(500, 0.92, 0.9)
	if err := tick(); err != nil {
		t.Fatal(err)
	}
	if e.Current() != fileProfile() {
		t.Fatalf("engine %s, file %s", e.Current(), fileProfile())
	}

	writePID(os.Getpid())
	gw.metrics(2500, 0.95, 0.9)
	if err := tick(); err != nil {
		t.Fatal(err)
	}
	if e.Current() != profile.Aggressive || fileProfile() != profile.Aggressive {
		t.Fatalf("after recovery: engine %s, file %s", e.Current(), fileProfile())
	}
}

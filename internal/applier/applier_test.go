package applier

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in      string
		want    unix.Signal
		wantErr bool
	}{
		{"", unix.SIGHUP, false},
		{"SIGHUP", unix.SIGHUP, false},
		{"usr1", unix.SIGUSR1, false},
		{" SIGUSR2 ", unix.SIGUSR2, false},
		{"SIGNOPE", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSignal(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	a, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.(*DryRun); !ok {
		t.Errorf("default applier is %T", a)
	}
	if _, err := New(Config{Mode: ModeFile}); err == nil {
		t.Error("file mode without path should fail")
	}
	if _, err := New(Config{Mode: ModeFile, Path: "/tmp/x", Signal: "BOGUS"}); err == nil {
		t.Error("unknown signal should fail")
	}
	if _, err := New(Config{Mode: "kubernetes"}); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestDryRun(t *testing.T) {
	d := NewDryRun()
	ctx := context.Background()
	for _, p := range []string{"balanced", "balanced", "aggressive", "aggressive", "balanced"} {
		if err := d.Apply(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	got := d.Applied()
	want := []string{"balanced", "aggressive", "balanced"}
	if len(got) != len(want) {
		t.Fatalf("Applied = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Applied[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFileApplier(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "profile.yaml")
	f, err := NewFile(path, "", unix.SIGHUP)
	if err != nil {
		t.Fatal(err)
	}
	f.now = func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }

	if cur, err := f.Current(); err != nil || cur != "" {
		t.Fatalf("Current before apply = %q, %v", cur, err)
	}
	if err := f.Apply(ctx, "aggressive"); err != nil {
		t.Fatal(err)
	}
	if cur, _ := f.Current(); cur != "aggressive" {
		t.Errorf("Current = %q", cur)
	}
	st1, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	// Re-applying the same profile leaves the file untouched.
	f.now = func() time.Time { return time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := f.Apply(ctx, "aggressive"); err != nil {
		t.Fatal(err)
	}
	st2, _ := os.Stat(path)
	if !st2.ModTime().Equal(st1.ModTime()) || st2.Size() != st1.Size() {
		t.Error("idempotent apply rewrote the file")
	}

	if err := f.Apply(ctx, "baseline"); err != nil {
		t.Fatal(err)
	}
	if cur, _ := f.Current(); cur != "baseline" {
		t.Errorf("Current = %q", cur)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".profile-*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestFileApplierSignals(t *testing.T) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pipeline.pid")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := NewFile(filepath.Join(dir, "profile.yaml"), pidFile, unix.SIGUSR1)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Apply(context.Background(), "balanced"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-sigs:
	case <-time.After(5 * time.Second):
		t.Fatal("signal not delivered")
	}
}

func TestFileApplierRetriesFailedSignal(t *testing.T) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	ctx := context.Background()
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pipeline.pid")
	f, err := NewFile(filepath.Join(dir, "profile.yaml"), pidFile, unix.SIGUSR2)
	if err != nil {
		t.Fatal(err)
	}

	// No pid file yet: the apply fails and leaves no file behind.
	if err := f.Apply(ctx, "conservative"); err == nil {
		t.Fatal("expected error without pid file")
	}
	if cur, _ := f.Current(); cur != "" {
		t.Errorf("Current after failed first apply = %q, want none", cur)
	}

	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := f.Apply(ctx, "conservative"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	select {
	case <-sigs:
	case <-time.After(5 * time.Second):
		t.Fatal("signal not delivered on retry")
	}
}

func TestFileApplierRestoresFileWhenSignalFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")

	f, err := NewFile(path, "", unix.SIGHUP)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Apply(ctx, "balanced"); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// The pipeline has gone away; pid 999999999 exceeds any pid_max.
	pidFile := filepath.Join(dir, "pipeline.pid")
	if err := os.WriteFile(pidFile, []byte("999999999"), 0o600); err != nil {
		t.Fatal(err)
	}
	f.pidFile = pidFile

	if err := f.Apply(ctx, "aggressive"); err == nil {
		t.Fatal("expected error signalling a dead pid")
	}
	if cur, _ := f.Current(); cur != "balanced" {
		t.Errorf("Current after failed apply = %q, want balanced", cur)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(before) {
		t.Errorf("profile file changed:\n%s\nwant:\n%s", after, before)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".profile-*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestFileApplierBadPID(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pipeline.pid")
	if err := os.WriteFile(pidFile, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatal(err)
	}
	f, _ := NewFile(filepath.Join(dir, "profile.yaml"), pidFile, unix.SIGUSR1)
	if err := f.Apply(context.Background(), "balanced"); err == nil {
		t.Error("expected error for malformed pid file")
	}
}

func TestFileApplierCancelled(t *testing.T) {
	f, _ := NewFile(filepath.Join(t.TempDir(), "p.yaml"), "", unix.SIGHUP)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Apply(ctx, "balanced"); err == nil {
		t.Error("expected context error")
	}
}

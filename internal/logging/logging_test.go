package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// captureOutput redirects the default logger into a buffer for one test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	defaultLogger.mu.Lock()
	origOut, origLevel, origRes := defaultLogger.output, defaultLogger.minLevel, defaultLogger.resource
	defaultLogger.mu.Unlock()

	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(origOut)
		SetLevel(origLevel)
		SetResource(origRes)
		SetHook(nil)
	})
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var out []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		out = append(out, e)
	}
	return out
}

func TestF(t *testing.T) {
	tests := []struct {
		name     string
		keyvals  []interface{}
		expected map[string]interface{}
	}{
		{"single pair", []interface{}{"key", "value"}, map[string]interface{}{"key": "value"}},
		{"multiple pairs", []interface{}{"pid", 42, "profile", "balanced"}, map[string]interface{}{"pid": 42, "profile": "balanced"}},
		{"empty", nil, map[string]interface{}{}},
		{"odd number of args", []interface{}{"a", 1, "b"}, map[string]interface{}{"a": 1}},
		{"non-string key", []interface{}{7, "x", "k", "v"}, map[string]interface{}{"k": "v"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := F(tt.keyvals...)
			if len(got) != len(tt.expected) {
				t.Fatalf("F() returned %d fields, expected %d", len(got), len(tt.expected))
			}
			for k, v := range tt.expected {
				if got[k] != v {
					t.Errorf("F()[%q] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestLevels(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(LevelDebug)

	Debug("d")
	Info("i", F("key", "value"))
	Warn("w")
	Error("e", F("code", 500))

	entries := decodeLines(t, buf)
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}

	want := []struct {
		text string
		num  int
		body string
	}{
		{"DEBUG", 5, "d"},
		{"INFO", 9, "i"},
		{"WARN", 13, "w"},
		{"ERROR", 17, "e"},
	}
	for i, w := range want {
		if entries[i].SeverityText != w.text || entries[i].SeverityNumber != w.num || entries[i].Body != w.body {
			t.Errorf("entry %d = %+v, want %s/%d/%s", i, entries[i], w.text, w.num, w.body)
		}
	}
	if entries[1].Attributes["key"] != "value" {
		t.Errorf("expected key=value attribute, got %v", entries[1].Attributes)
	}
	if _, err := time.Parse(time.RFC3339Nano, entries[0].Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", entries[0].Timestamp, err)
	}
}

func TestMinLevelFilters(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(LevelWarn)

	Debug("dropped")
	Info("dropped")
	Warn("kept")

	entries := decodeLines(t, buf)
	if len(entries) != 1 || entries[0].Body != "kept" {
		t.Fatalf("expected only the WARN entry, got %+v", entries)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSeverityNumber(t *testing.T) {
	if got := SeverityNumber(LevelFatal); got != 21 {
		t.Errorf("SeverityNumber(FATAL) = %d, want 21", got)
	}
	if got := SeverityNumber(Level("UNKNOWN")); got != 0 {
		t.Errorf("SeverityNumber(UNKNOWN) = %d, want 0", got)
	}
}

func TestResource(t *testing.T) {
	buf := captureOutput(t)
	SetResource(map[string]string{"service.name": "profile-governor", "service.version": "1.0.0"})

	Info("with resource")

	entries := decodeLines(t, buf)
	if entries[0].Resource["service.name"] != "profile-governor" {
		t.Errorf("expected service.name resource, got %v", entries[0].Resource)
	}
}

func TestResourceOmittedWhenNil(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{output: &buf}

	logger.log(LevelInfo, "no resource", nil)

	if strings.Contains(buf.String(), `"Resource"`) {
		t.Error("expected Resource to be omitted when nil")
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("expected trailing newline")
	}
}

func TestHook(t *testing.T) {
	captureOutput(t)

	var levels []Level
	SetHook(func(level Level, msg string, attrs map[string]interface{}) {
		levels = append(levels, level)
	})

	Info("one")
	Error("two")

	if len(levels) != 2 || levels[0] != LevelInfo || levels[1] != LevelError {
		t.Fatalf("unexpected hook calls: %v", levels)
	}
}

func TestHookMayLog(t *testing.T) {
	buf := captureOutput(t)

	done := make(chan struct{}, 1)
	var guard int32
	SetHook(func(level Level, msg string, attrs map[string]interface{}) {
		if atomic.AddInt32(&guard, 1) == 1 {
			Info("from hook")
			done <- struct{}{}
		}
	})

	Info("trigger")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hook deadlocked")
	}
	if n := len(decodeLines(t, buf)); n < 2 {
		t.Errorf("expected at least 2 lines, got %d", n)
	}
}

func TestMessagesCounter(t *testing.T) {
	captureOutput(t)

	before := testutil.ToFloat64(logMessagesTotal.WithLabelValues("WARN", "statestore"))
	Warn("stale write", F("component", "statestore"))
	after := testutil.ToFloat64(logMessagesTotal.WithLabelValues("WARN", "statestore"))

	if after-before != 1 {
		t.Errorf("expected counter delta 1, got %v", after-before)
	}
}

func TestFilteredMessagesNotCounted(t *testing.T) {
	captureOutput(t)
	SetLevel(LevelError)

	before := testutil.ToFloat64(logMessagesTotal.WithLabelValues("INFO", "general"))
	Info("filtered")
	after := testutil.ToFloat64(logMessagesTotal.WithLabelValues("INFO", "general"))

	if after != before {
		t.Errorf("filtered message was counted")
	}
}

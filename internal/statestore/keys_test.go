package statestore

import (
	"testing"
	"time"
)

func TestCheckpointKeyOrdering(t *testing.T) {
	early := time.Unix(5, 0)
	late := time.Unix(1_000_000_000, 1)
	if CheckpointKey(early) >= CheckpointKey(late) {
		t.Errorf("keys not ordered: %s >= %s", CheckpointKey(early), CheckpointKey(late))
	}

	ts := time.Date(2026, 3, 4, 5, 6, 7, 891, time.UTC)
	got, err := ParseCheckpointKey(CheckpointKey(ts))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(ts) {
		t.Errorf("ParseCheckpointKey = %v, want %v", got, ts)
	}
}

func TestParseCheckpointKeyErrors(t *testing.T) {
	for _, k := range []string{"", "process:1", "checkpoint:abc"} {
		if _, err := ParseCheckpointKey(k); err == nil {
			t.Errorf("ParseCheckpointKey(%q) succeeded", k)
		}
	}
}

func TestPrefixRange(t *testing.T) {
	start, end := prefixRange(PrefixProcess)
	if start != "process:" || end != "process;" {
		t.Errorf("prefixRange = %q, %q", start, end)
	}
	for _, k := range []string{ProcessKey(1), ProcessKey(99999)} {
		if k < start || k >= end {
			t.Errorf("%q outside [%q, %q)", k, start, end)
		}
	}
	if k := MetaKey("version"); k >= start && k < end {
		t.Errorf("meta key %q inside process range", k)
	}
}

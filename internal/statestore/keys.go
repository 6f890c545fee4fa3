package statestore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key namespaces. Every record in the store lives under exactly one prefix.
const (
	PrefixProcess    = "process:"
	PrefixCheckpoint = "checkpoint:"
	PrefixMeta       = "meta:"
)

// StateVersion is the schema marker written to meta:version.
const StateVersion = "v1"

const metaVersion = "version"

// ProcessKey returns the key for a pid.
func ProcessKey(pid int) string {
	return PrefixProcess + strconv.Itoa(pid)
}

// CheckpointKey returns the key for a checkpoint taken at ts. The
// timestamp is zero-padded so lexical order equals time order.
func CheckpointKey(ts time.Time) string {
	return fmt.Sprintf("%s%020d", PrefixCheckpoint, ts.UnixNano())
}

// ParseCheckpointKey extracts the timestamp from a checkpoint key.
func ParseCheckpointKey(key string) (time.Time, error) {
	digits, ok := strings.CutPrefix(key, PrefixCheckpoint)
	if !ok {
		return time.Time{}, fmt.Errorf("not a checkpoint key: %q", key)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid checkpoint key %q: %w", key, err)
	}
	return time.Unix(0, n).UTC(), nil
}

// MetaKey returns the key for a metadata record.
func MetaKey(name string) string {
	return PrefixMeta + name
}

// prefixRange returns the half-open range [prefix, end) covering every key
// that starts with prefix. All prefixes end in ':' so incrementing the last
// byte never carries.
func prefixRange(prefix string) (start, end string) {
	b := []byte(prefix)
	b[len(b)-1]++
	return prefix, string(b)
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ByteSize is an int64 that accepts raw byte counts or Ki/Mi/Gi/Ti suffixes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return FormatByteSize(int64(b)), nil
}

var byteSuffixes = []struct {
	name string
	mult int64
}{
	{"Ti", 1 << 40},
	{"Gi", 1 << 30},
	{"Mi", 1 << 20},
	{"Ki", 1 << 10},
}

// ParseByteSize parses a human-readable byte size string ("64Mi", "1.5Gi", "4096").
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	for _, sf := range byteSuffixes {
		if num, ok := strings.CutSuffix(s, sf.name); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
			if err != nil || f < 0 {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, Gi, or Ti suffixes)", s)
	}
	return n, nil
}

// FormatByteSize formats bytes with the largest exact binary suffix.
func FormatByteSize(b int64) string {
	for _, sf := range byteSuffixes {
		if b >= sf.mult && b%sf.mult == 0 {
			return fmt.Sprintf("%d%s", b/sf.mult, sf.name)
		}
	}
	return strconv.FormatInt(b, 10)
}

// Load reads, parses and defaults a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ConfigFile = path
	return cfg, nil
}

// Parse parses YAML configuration from bytes and applies defaults.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func float64Ptr(v float64) *float64 { return &v }

// ApplyDefaults sets default values for unspecified fields. Thresholds other
// than the coverage headroom have no defaults.
func (c *Config) ApplyDefaults() {
	// Store
	if c.Store.StateTTL == 0 {
		c.Store.StateTTL = Duration(24 * time.Hour)
	}
	if c.Store.CompactionInterval == 0 {
		c.Store.CompactionInterval = Duration(5 * time.Minute)
	}
	if c.Store.CompactionBatch == 0 {
		c.Store.CompactionBatch = 500
	}
	if c.Store.BloomExpectedItems == 0 {
		c.Store.BloomExpectedItems = 100000
	}
	if c.Store.BloomFPRate == 0 {
		c.Store.BloomFPRate = 0.01
	}
	if c.Store.CacheSize == 0 {
		c.Store.CacheSize = 8 << 20
	}

	// Checkpoint
	if c.Checkpoint.Interval == 0 {
		c.Checkpoint.Interval = Duration(5 * time.Minute)
	}
	if c.Checkpoint.TTL == 0 {
		c.Checkpoint.TTL = Duration(7 * 24 * time.Hour)
	}
	if c.Checkpoint.MaxRetained == 0 {
		c.Checkpoint.MaxRetained = 48
	}
	if c.Checkpoint.Compression == "" {
		c.Checkpoint.Compression = "zstd"
	}

	// Decision
	d := &c.Decision
	if d.Interval == 0 {
		d.Interval = Duration(time.Minute)
	}
	if d.QueryTimeout == 0 {
		d.QueryTimeout = Duration(10 * time.Second)
	}
	if len(d.Profiles) == 0 {
		d.Profiles = append([]string(nil), DefaultProfiles...)
	}
	if d.InitialProfile == "" {
		d.InitialProfile = "balanced"
	}
	if d.ModerateProfile == "" {
		d.ModerateProfile = "balanced"
	}
	if d.ConservativeProfile == "" {
		d.ConservativeProfile = "conservative"
	}
	if d.DegradedAfter == 0 {
		d.DegradedAfter = 3
	}
	if d.HistoryWindow == 0 {
		d.HistoryWindow = Duration(24 * time.Hour)
	}
	if d.HistoryMax == 0 {
		d.HistoryMax = 2048
	}
	if d.Thresholds.CoverageHeadroom == nil {
		d.Thresholds.CoverageHeadroom = float64Ptr(0.05)
	}
	if d.Oscillation.Lookback == 0 {
		d.Oscillation.Lookback = 6
	}
	if d.Oscillation.Freeze == 0 {
		d.Oscillation.Freeze = Duration(30 * time.Minute)
	}

	// Gateway
	if c.Gateway.Backend == "" {
		c.Gateway.Backend = "promql"
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = Duration(10 * time.Second)
	}
	if c.Gateway.CircuitBreaker.MaxFailures == 0 {
		c.Gateway.CircuitBreaker.MaxFailures = 5
	}
	if c.Gateway.CircuitBreaker.ResetTimeout == 0 {
		c.Gateway.CircuitBreaker.ResetTimeout = Duration(time.Minute)
	}

	// Applier
	if c.Applier.Mode == "" {
		c.Applier.Mode = "dry_run"
	}
	if c.Applier.Signal == "" {
		c.Applier.Signal = "SIGHUP"
	}

	// Events
	if len(c.Events.Sinks) == 0 {
		c.Events.Sinks = []string{"log"}
	}
	if c.Events.Buffer == 0 {
		c.Events.Buffer = 256
	}
	if c.Events.MemoryMax == 0 {
		c.Events.MemoryMax = 100
	}
	if c.Events.Timeout == 0 {
		c.Events.Timeout = Duration(5 * time.Second)
	}

	// Health
	if c.Health.Address == "" {
		c.Health.Address = ":9090"
	}

	// Telemetry
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = "grpc"
	}
	if c.Telemetry.Insecure == nil {
		insecure := true
		c.Telemetry.Insecure = &insecure
	}
	if c.Telemetry.PushInterval == 0 {
		c.Telemetry.PushInterval = Duration(30 * time.Second)
	}
	if c.Telemetry.ShutdownTimeout == 0 {
		c.Telemetry.ShutdownTimeout = Duration(5 * time.Second)
	}

	// Memory
	if c.Memory.LimitRatio == 0 {
		c.Memory.LimitRatio = 0.85
	}

	// Log
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const sampleYAML = `
store:
  path: /var/lib/profile-governor
  state_ttl: 12h
  cache_size: 16Mi
checkpoint:
  interval: 1m
  compression: lz4
decision:
  interval: 30s
  thresholds:
    cost_warning: 1000
    cost_critical: 2000
    coverage_min: 0.9
    performance_min: 0.8
  profile_thresholds:
    aggressive:
      cost_critical: 2500
gateway:
  backend: promql
  url: http://prometheus:9090
  queries:
    cost: sum(telemetry_cost_per_hour)
    coverage: avg(telemetry_coverage_ratio)
applier:
  mode: file
  path: /etc/pipeline/profile
events:
  sinks: [log, file]
  file_path: /var/log/profile-events.jsonl
log:
  level: debug
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Store.StateTTL.Std() != 12*time.Hour {
		t.Errorf("state_ttl = %v, want 12h", cfg.Store.StateTTL.Std())
	}
	if cfg.Store.CacheSize != 16<<20 {
		t.Errorf("cache_size = %d, want 16Mi", cfg.Store.CacheSize)
	}
	if cfg.Checkpoint.Compression != "lz4" {
		t.Errorf("compression = %q", cfg.Checkpoint.Compression)
	}
	if got := *cfg.Decision.Thresholds.CostCritical; got != 2000 {
		t.Errorf("cost_critical = %v", got)
	}
	if got := *cfg.Decision.ProfileThresholds["aggressive"].CostCritical; got != 2500 {
		t.Errorf("aggressive override = %v", got)
	}
	if cfg.Gateway.Queries["coverage"] != "avg(telemetry_coverage_ratio)" {
		t.Errorf("queries = %v", cfg.Gateway.Queries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"state_ttl", cfg.Store.StateTTL.Std(), 24 * time.Hour},
		{"compaction_interval", cfg.Store.CompactionInterval.Std(), 5 * time.Minute},
		{"checkpoint.interval", cfg.Checkpoint.Interval.Std(), 5 * time.Minute},
		{"checkpoint.ttl", cfg.Checkpoint.TTL.Std(), 7 * 24 * time.Hour},
		{"checkpoint.max_retained", cfg.Checkpoint.MaxRetained, 48},
		{"checkpoint.compression", cfg.Checkpoint.Compression, "zstd"},
		{"decision.initial_profile", cfg.Decision.InitialProfile, "balanced"},
		{"decision.moderate_profile", cfg.Decision.ModerateProfile, "balanced"},
		{"decision.conservative_profile", cfg.Decision.ConservativeProfile, "conservative"},
		{"decision.degraded_after", cfg.Decision.DegradedAfter, 3},
		{"decision.history_max", cfg.Decision.HistoryMax, 2048},
		{"decision.coverage_headroom", *cfg.Decision.Thresholds.CoverageHeadroom, 0.05},
		{"decision.min_dwell", cfg.Decision.MinDwell.Std(), time.Duration(0)},
		{"gateway.backend", cfg.Gateway.Backend, "promql"},
		{"applier.mode", cfg.Applier.Mode, "dry_run"},
		{"health.address", cfg.Health.Address, ":9090"},
		{"log.level", cfg.Log.Level, "info"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if strings.Join(cfg.Decision.Profiles, ",") != "baseline,conservative,balanced,aggressive" {
		t.Errorf("profiles = %v", cfg.Decision.Profiles)
	}
	if cfg.Decision.Thresholds.CostWarning != nil {
		t.Error("cost_warning must not be defaulted")
	}
}

func TestDefaultProfilesNotAliased(t *testing.T) {
	cfg, _ := Parse(nil)
	cfg.Decision.Profiles[0] = "mutated"
	if DefaultProfiles[0] != "baseline" {
		t.Fatal("ApplyDefaults aliased DefaultProfiles")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("store:\n  pth: /tmp\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseInvalidDuration(t *testing.T) {
	_, err := Parse([]byte("decision:\n  interval: soon\n"))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"4096", 4096, false},
		{"64Ki", 64 << 10, false},
		{"8Mi", 8 << 20, false},
		{"1.5Gi", 3 << 29, false},
		{"2Ti", 2 << 40, false},
		{"256MB", 0, true},
		{"-1Mi", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFormatByteSize(t *testing.T) {
	tests := map[int64]string{
		0:          "0",
		1000:       "1000",
		1024:       "1Ki",
		8 << 20:    "8Mi",
		3 << 30:    "3Gi",
		1 << 40:    "1Ti",
		1536 << 10: "1536Ki",
	}
	for in, want := range tests {
		if got := FormatByteSize(in); got != want {
			t.Errorf("FormatByteSize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	in := struct {
		D Duration `yaml:"d"`
		B ByteSize `yaml:"b"`
	}{Duration(90 * time.Second), ByteSize(32 << 20)}

	data, err := yaml.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "1m30s") || !strings.Contains(string(data), "32Mi") {
		t.Fatalf("unexpected yaml: %s", data)
	}
}

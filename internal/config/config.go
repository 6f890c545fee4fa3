package config

// Config represents the YAML configuration file structure.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Decision   DecisionConfig   `yaml:"decision"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Applier    ApplierConfig    `yaml:"applier"`
	Events     EventsConfig     `yaml:"events"`
	Health     HealthConfig     `yaml:"health"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Memory     MemoryConfig     `yaml:"memory"`
	Log        LogConfig        `yaml:"log"`

	// ConfigFile is the path the configuration was loaded from (not in YAML).
	ConfigFile string `yaml:"-"`
}

// StoreConfig holds process-state store settings.
type StoreConfig struct {
	Path               string   `yaml:"path"`                 // directory holding state.db (required)
	StateTTL           Duration `yaml:"state_ttl"`            // default: 24h
	CompactionInterval Duration `yaml:"compaction_interval"`  // default: 5m
	CompactionBatch    int      `yaml:"compaction_batch"`     // rows deleted per batch (default: 500)
	BloomExpectedItems uint     `yaml:"bloom_expected_items"` // default: 100000
	BloomFPRate        float64  `yaml:"bloom_fp_rate"`        // default: 0.01
	CacheSize          ByteSize `yaml:"cache_size"`           // SQLite page cache (default: 8Mi)
}

// CheckpointConfig holds snapshot settings.
type CheckpointConfig struct {
	Interval         Duration `yaml:"interval"`          // default: 5m
	TTL              Duration `yaml:"ttl"`               // default: 168h
	MaxRetained      int      `yaml:"max_retained"`      // default: 48
	Compression      string   `yaml:"compression"`       // zstd, gzip, lz4, s2, none (default: zstd)
	CompressionLevel int      `yaml:"compression_level"` // 0 = codec default
}

// DecisionConfig holds decision engine settings.
type DecisionConfig struct {
	Interval            Duration                    `yaml:"interval"`             // default: 1m
	QueryTimeout        Duration                    `yaml:"query_timeout"`        // default: 10s
	InitialProfile      string                      `yaml:"initial_profile"`      // default: balanced
	Profiles            []string                    `yaml:"profiles"`             // least to most aggressive
	ModerateProfile     string                      `yaml:"moderate_profile"`     // default: balanced
	ConservativeProfile string                      `yaml:"conservative_profile"` // default: conservative
	DegradedAfter       int                         `yaml:"degraded_after"`       // default: 3
	HistoryWindow       Duration                    `yaml:"history_window"`       // default: 24h
	HistoryMax          int                         `yaml:"history_max"`          // default: 2048
	MinDwell            Duration                    `yaml:"min_dwell"`            // 0 = disabled
	Thresholds          ThresholdsConfig            `yaml:"thresholds"`
	ProfileThresholds   map[string]ThresholdsConfig `yaml:"profile_thresholds"`
	Oscillation         OscillationConfig           `yaml:"oscillation"`
}

// ThresholdsConfig holds rule thresholds. Pointers distinguish "unset" from zero.
type ThresholdsConfig struct {
	CostWarning      *float64 `yaml:"cost_warning"`
	CostCritical     *float64 `yaml:"cost_critical"`
	CoverageMin      *float64 `yaml:"coverage_min"`
	CoverageHeadroom *float64 `yaml:"coverage_headroom"` // default: 0.05
	PerformanceMin   *float64 `yaml:"performance_min"`
}

// OscillationConfig controls the transition freeze guard. Threshold 0 disables it.
type OscillationConfig struct {
	Lookback  int      `yaml:"lookback"`  // transitions inspected (default: 6)
	Threshold float64  `yaml:"threshold"` // reversal ratio that triggers a freeze
	Freeze    Duration `yaml:"freeze"`    // default: 30m
}

// GatewayConfig holds metrics gateway settings.
type GatewayConfig struct {
	Backend        string               `yaml:"backend"` // promql or http (default: promql)
	URL            string               `yaml:"url"`
	Timeout        Duration             `yaml:"timeout"` // default: 10s
	Headers        map[string]string    `yaml:"headers"`
	Queries        map[string]string    `yaml:"queries"`        // field name -> PromQL expression
	QueryTemplate  string               `yaml:"query_template"` // text/template for the http backend
	ForceHTTP2     bool                 `yaml:"force_http2"`
	TLS            TLSClientConfig      `yaml:"tls"`
	Auth           AuthClientConfig     `yaml:"auth"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// AuthClientConfig holds credentials sent to the gateway. A bearer token
// takes precedence over basic auth.
type AuthClientConfig struct {
	BearerToken   string `yaml:"bearer_token"`
	BasicUsername string `yaml:"basic_username"`
	BasicPassword string `yaml:"basic_password"`
}

// AuthServerConfig protects /metrics and the status views of the health server.
type AuthServerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BearerToken   string `yaml:"bearer_token"`
	BasicUsername string `yaml:"basic_username"`
	BasicPassword string `yaml:"basic_password"`
}

// CircuitBreakerConfig holds breaker settings. A negative MaxFailures disables the breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int      `yaml:"max_failures"`  // default: 5
	ResetTimeout Duration `yaml:"reset_timeout"` // default: 1m
}

// TLSClientConfig holds TLS client configuration.
type TLSClientConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	SkipVerify bool   `yaml:"skip_verify"`
	ServerName string `yaml:"server_name"`
}

// TLSServerConfig holds TLS server configuration.
type TLSServerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ClientAuth bool   `yaml:"client_auth"`
}

// ApplierConfig holds profile applier settings.
type ApplierConfig struct {
	Mode    string `yaml:"mode"`     // file or dry_run (default: dry_run)
	Path    string `yaml:"path"`     // file the active profile is written to
	PIDFile string `yaml:"pid_file"` // optional: process to signal after a write
	Signal  string `yaml:"signal"`   // default: SIGHUP
}

// EventsConfig holds event recorder settings.
type EventsConfig struct {
	Sinks     []string          `yaml:"sinks"` // log, file, http (default: [log])
	FilePath  string            `yaml:"file_path"`
	HTTPURL   string            `yaml:"http_url"`
	Headers   map[string]string `yaml:"headers"`
	Buffer    int               `yaml:"buffer"`     // queued events before drops (default: 256)
	MemoryMax int               `yaml:"memory_max"` // recent events kept for /health (default: 100)
	Timeout   Duration          `yaml:"timeout"`    // per-delivery timeout (default: 5s)
}

// HealthConfig holds health/metrics HTTP server settings.
type HealthConfig struct {
	Address string           `yaml:"address"` // default: :9090
	TLS     TLSServerConfig  `yaml:"tls"`
	Auth    AuthServerConfig `yaml:"auth"`
}

// TelemetryConfig holds OTLP self-monitoring telemetry configuration.
type TelemetryConfig struct {
	Endpoint        string            `yaml:"endpoint"`         // OTLP endpoint (empty = disabled)
	Protocol        string            `yaml:"protocol"`         // grpc or http (default: grpc)
	Insecure        *bool             `yaml:"insecure"`         // default: true
	Timeout         Duration          `yaml:"timeout"`          // per-export timeout
	PushInterval    Duration          `yaml:"push_interval"`    // default: 30s
	Compression     string            `yaml:"compression"`      // gzip or ""
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // default: 5s
	Headers         map[string]string `yaml:"headers"`
}

// MemoryConfig holds memory limit configuration.
type MemoryConfig struct {
	// LimitRatio is the ratio of container memory to use for GOMEMLIMIT (0.0-1.0).
	LimitRatio float64 `yaml:"limit_ratio"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: info)
}

// DefaultProfiles is the built-in profile set, least to most aggressive.
var DefaultProfiles = []string{"baseline", "conservative", "balanced", "aggressive"}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
)

const validationPrefix = "configuration validation failed:\n  - "

var (
	validBackends     = map[string]bool{"promql": true, "http": true}
	validApplierModes = map[string]bool{"file": true, "dry_run": true}
	validSinks        = map[string]bool{"log": true, "file": true, "http": true}
	validCompression  = map[string]bool{"zstd": true, "gzip": true, "lz4": true, "s2": true, "none": true}
	validProtocols    = map[string]bool{"grpc": true, "http": true}
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	// Store
	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if c.Store.StateTTL <= 0 {
		errs = append(errs, "store.state_ttl must be > 0")
	}
	if c.Store.CompactionBatch <= 0 {
		errs = append(errs, "store.compaction_batch must be > 0")
	}
	if c.Store.BloomFPRate <= 0 || c.Store.BloomFPRate >= 1 {
		errs = append(errs, fmt.Sprintf("store.bloom_fp_rate must be between 0 and 1, got %g", c.Store.BloomFPRate))
	}

	// Checkpoint
	if c.Checkpoint.Interval <= 0 {
		errs = append(errs, "checkpoint.interval must be > 0")
	}
	if c.Checkpoint.MaxRetained < 1 {
		errs = append(errs, "checkpoint.max_retained must be >= 1")
	}
	if !validCompression[c.Checkpoint.Compression] {
		errs = append(errs, fmt.Sprintf("checkpoint.compression is unknown: %q", c.Checkpoint.Compression))
	}

	errs = append(errs, c.Decision.validate()...)

	// Gateway
	if c.Gateway.URL == "" {
		errs = append(errs, "gateway.url is required")
	}
	if !validBackends[c.Gateway.Backend] {
		errs = append(errs, fmt.Sprintf("gateway.backend is unknown: %q", c.Gateway.Backend))
	}
	if c.Gateway.Backend == "promql" && len(c.Gateway.Queries) == 0 {
		errs = append(errs, "gateway.queries is required when backend=promql")
	}
	if c.Gateway.Backend == "http" && c.Gateway.QueryTemplate == "" {
		errs = append(errs, "gateway.query_template is required when backend=http")
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, "gateway.timeout must be > 0")
	}
	if (c.Gateway.Auth.BasicUsername == "") != (c.Gateway.Auth.BasicPassword == "") {
		errs = append(errs, "gateway.auth.basic_username and basic_password must be set together")
	}

	// Health
	if a := c.Health.Auth; a.Enabled {
		if a.BearerToken == "" && a.BasicUsername == "" {
			errs = append(errs, "health.auth requires bearer_token or basic_username when enabled")
		}
		if (a.BasicUsername == "") != (a.BasicPassword == "") {
			errs = append(errs, "health.auth.basic_username and basic_password must be set together")
		}
	}

	// Applier
	if !validApplierModes[c.Applier.Mode] {
		errs = append(errs, fmt.Sprintf("applier.mode is unknown: %q", c.Applier.Mode))
	}
	if c.Applier.Mode == "file" && c.Applier.Path == "" {
		errs = append(errs, "applier.path is required when mode=file")
	}

	// Events
	for _, s := range c.Events.Sinks {
		if !validSinks[s] {
			errs = append(errs, fmt.Sprintf("events.sinks has unknown sink: %q", s))
		}
	}
	if slices.Contains(c.Events.Sinks, "file") && c.Events.FilePath == "" {
		errs = append(errs, "events.file_path is required when the file sink is enabled")
	}
	if slices.Contains(c.Events.Sinks, "http") && c.Events.HTTPURL == "" {
		errs = append(errs, "events.http_url is required when the http sink is enabled")
	}
	if c.Events.Buffer < 1 {
		errs = append(errs, "events.buffer must be >= 1")
	}

	// Telemetry
	if c.Telemetry.Endpoint != "" && !validProtocols[c.Telemetry.Protocol] {
		errs = append(errs, fmt.Sprintf("telemetry.protocol is unknown: %q", c.Telemetry.Protocol))
	}

	// Memory
	if c.Memory.LimitRatio < 0 || c.Memory.LimitRatio > 1 {
		errs = append(errs, fmt.Sprintf("memory.limit_ratio must be between 0.0 and 1.0, got %g", c.Memory.LimitRatio))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.New(validationPrefix + strings.Join(errs, "\n  - "))
}

func (d *DecisionConfig) validate() []string {
	var errs []string

	if d.Interval <= 0 {
		errs = append(errs, "decision.interval must be > 0")
	}
	if d.QueryTimeout <= 0 {
		errs = append(errs, "decision.query_timeout must be > 0")
	}
	if d.DegradedAfter < 1 {
		errs = append(errs, "decision.degraded_after must be >= 1")
	}
	if d.HistoryMax < 1 {
		errs = append(errs, "decision.history_max must be >= 1")
	}
	if d.MinDwell < 0 {
		errs = append(errs, "decision.min_dwell must be >= 0")
	}

	if len(d.Profiles) < 2 {
		errs = append(errs, "decision.profiles must list at least 2 profiles")
	}
	seen := make(map[string]bool, len(d.Profiles))
	for _, p := range d.Profiles {
		if p == "" {
			errs = append(errs, "decision.profiles has an empty name")
			continue
		}
		if seen[p] {
			errs = append(errs, fmt.Sprintf("decision.profiles has duplicate %q", p))
		}
		seen[p] = true
	}
	for field, name := range map[string]string{
		"initial_profile":      d.InitialProfile,
		"moderate_profile":     d.ModerateProfile,
		"conservative_profile": d.ConservativeProfile,
	} {
		if !seen[name] {
			errs = append(errs, fmt.Sprintf("decision.%s is not a known profile: %q", field, name))
		}
	}

	errs = append(errs, d.Thresholds.validate("decision.thresholds", true)...)
	for name, t := range d.ProfileThresholds {
		if !seen[name] {
			errs = append(errs, fmt.Sprintf("decision.profile_thresholds has unknown profile %q", name))
		}
		prefix := "decision.profile_thresholds." + name
		errs = append(errs, t.validate(prefix, false)...)
		// A partial override inherits the other cost bound from decision.thresholds.
		if (t.CostWarning == nil) != (t.CostCritical == nil) {
			warning, critical := t.CostWarning, t.CostCritical
			if warning == nil {
				warning = d.Thresholds.CostWarning
			}
			if critical == nil {
				critical = d.Thresholds.CostCritical
			}
			if warning != nil && critical != nil && *warning > *critical {
				errs = append(errs, fmt.Sprintf("%s: merged cost_warning %g must be <= cost_critical %g", prefix, *warning, *critical))
			}
		}
	}

	if d.Oscillation.Threshold < 0 || d.Oscillation.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("decision.oscillation.threshold must be between 0 and 1, got %g", d.Oscillation.Threshold))
	}
	if d.Oscillation.Threshold > 0 && d.Oscillation.Lookback < 2 {
		errs = append(errs, "decision.oscillation.lookback must be >= 2")
	}

	// Keep deterministic output for the multi-line error.
	slices.Sort(errs)
	return errs
}

// validate checks a threshold set. Global thresholds must be complete;
// per-profile overrides may leave fields unset.
func (t ThresholdsConfig) validate(prefix string, required bool) []string {
	var errs []string
	check := func(name string, v *float64, lo, hi float64) {
		if v == nil {
			if required {
				errs = append(errs, fmt.Sprintf("%s.%s is required", prefix, name))
			}
			return
		}
		if math.IsNaN(*v) || *v < lo || *v > hi {
			errs = append(errs, fmt.Sprintf("%s.%s must be between %g and %g, got %g", prefix, name, lo, hi, *v))
		}
	}
	check("cost_warning", t.CostWarning, 0, math.MaxFloat64)
	check("cost_critical", t.CostCritical, 0, math.MaxFloat64)
	check("coverage_min", t.CoverageMin, 0, 1)
	check("coverage_headroom", t.CoverageHeadroom, 0, 1)
	check("performance_min", t.PerformanceMin, 0, 1)

	if t.CostWarning != nil && t.CostCritical != nil && *t.CostWarning > *t.CostCritical {
		errs = append(errs, fmt.Sprintf("%s.cost_warning must be <= cost_critical", prefix))
	}
	return errs
}

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

// ValidateFile loads a YAML config file and validates it, returning structured results.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{Valid: true, File: path}

	cfg, err := Load(path)
	if err != nil {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityError,
			Field:    "file",
			Message:  err.Error(),
		})
		return result
	}

	if err := cfg.Validate(); err != nil {
		result.Valid = false
		msg := err.Error()
		if rest, ok := strings.CutPrefix(msg, validationPrefix); ok {
			for _, item := range strings.Split(rest, "\n  - ") {
				result.Issues = append(result.Issues, ValidationIssue{
					Severity: SeverityError,
					Field:    fieldOf(item),
					Message:  item,
				})
			}
		} else {
			result.Issues = append(result.Issues, ValidationIssue{Severity: SeverityError, Field: "config", Message: msg})
		}
	}

	addWarnings(cfg, result)
	return result
}

// fieldOf extracts the dotted key a validation message starts with.
func fieldOf(s string) string {
	if idx := strings.IndexByte(s, ' '); idx > 0 && strings.Contains(s[:idx], ".") {
		return s[:idx]
	}
	return "config"
}

func addWarnings(cfg *Config, result *ValidationResult) {
	if cfg.Gateway.TLS.SkipVerify {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    "gateway.tls.skip_verify",
			Message:  "server certificate verification is disabled",
		})
	}
	if cfg.Applier.Mode == "dry_run" {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    "applier.mode",
			Message:  "dry_run applier records decisions but changes nothing",
		})
	}
	if cfg.Checkpoint.Interval.Std() > cfg.Store.StateTTL.Std() {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    "checkpoint.interval",
			Message:  "checkpoint interval exceeds store.state_ttl; restored states may already be expired",
		})
	}
	for _, f := range []struct{ path, field string }{
		{cfg.Gateway.TLS.CAFile, "gateway.tls.ca_file"},
		{cfg.Gateway.TLS.CertFile, "gateway.tls.cert_file"},
		{cfg.Health.TLS.CertFile, "health.tls.cert_file"},
		{cfg.Applier.PIDFile, "applier.pid_file"},
	} {
		if f.path == "" {
			continue
		}
		if _, err := os.Stat(f.path); err != nil {
			result.Issues = append(result.Issues, ValidationIssue{
				Severity: SeverityWarning,
				Field:    f.field,
				Message:  fmt.Sprintf("file not found: %s", f.path),
			})
		}
	}
}

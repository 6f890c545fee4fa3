package controller

import (
	"fmt"

	"github.com/szibis/profile-governor/internal/applier"
	"github.com/szibis/profile-governor/internal/auth"
	"github.com/szibis/profile-governor/internal/checkpoint"
	"github.com/szibis/profile-governor/internal/compression"
	"github.com/szibis/profile-governor/internal/config"
	"github.com/szibis/profile-governor/internal/engine"
	"github.com/szibis/profile-governor/internal/events"
	"github.com/szibis/profile-governor/internal/gateway"
	"github.com/szibis/profile-governor/internal/profile"
	"github.com/szibis/profile-governor/internal/statestore"
	"github.com/szibis/profile-governor/internal/telemetry"
	tlspkg "github.com/szibis/profile-governor/internal/tls"
)

// Rules builds the decision rules. Per-profile overrides are merged onto the
// global thresholds field by field.
func Rules(d config.DecisionConfig) (*profile.Rules, error) {
	set, err := profile.NewSet(d.Profiles...)
	if err != nil {
		return nil, err
	}
	defaults, err := thresholds(d.Thresholds, profile.Thresholds{}, true)
	if err != nil {
		return nil, fmt.Errorf("decision.thresholds: %w", err)
	}
	if err := costBounds(defaults); err != nil {
		return nil, fmt.Errorf("decision.thresholds: %w", err)
	}
	var overrides map[string]profile.Thresholds
	if len(d.ProfileThresholds) > 0 {
		overrides = make(map[string]profile.Thresholds, len(d.ProfileThresholds))
		for name, tc := range d.ProfileThresholds {
			t, err := thresholds(tc, defaults, false)
			if err != nil {
				return nil, fmt.Errorf("decision.profile_thresholds.%s: %w", name, err)
			}
			if err := costBounds(t); err != nil {
				return nil, fmt.Errorf("decision.profile_thresholds.%s: %w", name, err)
			}
			overrides[name] = t
		}
	}
	return profile.NewRules(set, d.ModerateProfile, d.ConservativeProfile, defaults, overrides)
}

// costBounds rejects thresholds whose warning band can never match.
func costBounds(t profile.Thresholds) error {
	if t.CostWarning > t.CostCritical {
		return fmt.Errorf("cost_warning %g must be <= cost_critical %g", t.CostWarning, t.CostCritical)
	}
	return nil
}

func thresholds(tc config.ThresholdsConfig, base profile.Thresholds, required bool) (profile.Thresholds, error) {
	out := base
	fields := []struct {
		name string
		src  *float64
		dst  *float64
	}{
		{"cost_warning", tc.CostWarning, &out.CostWarning},
		{"cost_critical", tc.CostCritical, &out.CostCritical},
		{"coverage_min", tc.CoverageMin, &out.CoverageMin},
		{"coverage_headroom", tc.CoverageHeadroom, &out.CoverageHeadroom},
		{"performance_min", tc.PerformanceMin, &out.PerformanceMin},
	}
	for _, f := range fields {
		if f.src == nil {
			if required {
				return out, fmt.Errorf("%s is required", f.name)
			}
			continue
		}
		*f.dst = *f.src
	}
	return out, nil
}

func storeConfig(c config.StoreConfig) statestore.Config {
	sc := statestore.DefaultConfig(c.Path)
	sc.StateTTL = c.StateTTL.Std()
	sc.CompactionBatch = c.CompactionBatch
	sc.BloomExpectedItems = c.BloomExpectedItems
	sc.BloomFPRate = c.BloomFPRate
	sc.CacheSize = int64(c.CacheSize)
	return sc
}

func checkpointConfig(c config.CheckpointConfig) (checkpoint.Config, error) {
	t, err := compression.ParseType(c.Compression)
	if err != nil {
		return checkpoint.Config{}, fmt.Errorf("checkpoint.compression: %w", err)
	}
	return checkpoint.Config{
		TTL:         c.TTL.Std(),
		MaxRetained: c.MaxRetained,
		Compression: compression.Config{Type: t, Level: compression.Level(c.CompressionLevel)},
	}, nil
}

func engineConfig(d config.DecisionConfig) engine.Config {
	return engine.Config{
		Interval:       d.Interval.Std(),
		QueryTimeout:   d.QueryTimeout.Std(),
		InitialProfile: d.InitialProfile,
		DegradedAfter:  d.DegradedAfter,
		HistoryWindow:  d.HistoryWindow.Std(),
		HistoryMax:     d.HistoryMax,
		MinDwell:       d.MinDwell.Std(),
		Oscillation: engine.OscillationConfig{
			Lookback:  d.Oscillation.Lookback,
			Threshold: d.Oscillation.Threshold,
			Freeze:    d.Oscillation.Freeze.Std(),
		},
	}
}

func gatewayConfig(g config.GatewayConfig) gateway.Config {
	return gateway.Config{
		Backend:       g.Backend,
		URL:           g.URL,
		Timeout:       g.Timeout.Std(),
		Headers:       g.Headers,
		Queries:       g.Queries,
		QueryTemplate: g.QueryTemplate,
		ForceHTTP2:    g.ForceHTTP2,
		TLS: tlspkg.ClientConfig{
			Enabled:            g.TLS.Enabled,
			CertFile:           g.TLS.CertFile,
			KeyFile:            g.TLS.KeyFile,
			CAFile:             g.TLS.CAFile,
			InsecureSkipVerify: g.TLS.SkipVerify,
			ServerName:         g.TLS.ServerName,
		},
		Auth: auth.ClientConfig{
			BearerToken:       g.Auth.BearerToken,
			BasicAuthUsername: g.Auth.BasicUsername,
			BasicAuthPassword: g.Auth.BasicPassword,
		},
		MaxFailures:  g.CircuitBreaker.MaxFailures,
		ResetTimeout: g.CircuitBreaker.ResetTimeout.Std(),
	}
}

func applierConfig(a config.ApplierConfig) applier.Config {
	return applier.Config{Mode: a.Mode, Path: a.Path, PIDFile: a.PIDFile, Signal: a.Signal}
}

func eventsConfig(e config.EventsConfig) events.Config {
	return events.Config{
		Sinks:     e.Sinks,
		FilePath:  e.FilePath,
		HTTPURL:   e.HTTPURL,
		Headers:   e.Headers,
		Buffer:    e.Buffer,
		MemoryMax: e.MemoryMax,
		Timeout:   e.Timeout.Std(),
	}
}

func serverAuth(a config.AuthServerConfig) auth.ServerConfig {
	return auth.ServerConfig{
		Enabled:           a.Enabled,
		BearerToken:       a.BearerToken,
		BasicAuthUsername: a.BasicUsername,
		BasicAuthPassword: a.BasicPassword,
	}
}

func serverTLS(t config.TLSServerConfig) tlspkg.ServerConfig {
	return tlspkg.ServerConfig{
		Enabled:    t.Enabled,
		CertFile:   t.CertFile,
		KeyFile:    t.KeyFile,
		CAFile:     t.CAFile,
		ClientAuth: t.ClientAuth,
	}
}

// TelemetryConfig converts the telemetry section.
func TelemetryConfig(t config.TelemetryConfig) telemetry.Config {
	insecure := true
	if t.Insecure != nil {
		insecure = *t.Insecure
	}
	return telemetry.Config{
		Endpoint:        t.Endpoint,
		Protocol:        t.Protocol,
		Insecure:        insecure,
		Timeout:         t.Timeout.Std(),
		PushInterval:    t.PushInterval.Std(),
		Compression:     t.Compression,
		Headers:         t.Headers,
		ShutdownTimeout: t.ShutdownTimeout.Std(),
	}
}

package controller

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// knownMetrics lists every metric the governor exports. Dashboards and
// alerts are written against these names.
var knownMetrics = []string{
	"profile_governor_applier_applies_total",
	"profile_governor_checkpoint_duration_seconds",
	"profile_governor_checkpoint_last_timestamp_seconds",
	"profile_governor_checkpoint_recoveries_total",
	"profile_governor_checkpoint_restores_total",
	"profile_governor_checkpoint_retained",
	"profile_governor_checkpoint_size_bytes",
	"profile_governor_checkpoint_total",
	"profile_governor_compression_decompress_errors_total",
	"profile_governor_compression_input_bytes_total",
	"profile_governor_compression_output_bytes_total",
	"profile_governor_engine_active_profile",
	"profile_governor_engine_consecutive_query_failures",
	"profile_governor_engine_degraded",
	"profile_governor_engine_iterations_total",
	"profile_governor_engine_snapshot_value",
	"profile_governor_engine_suppressed_transitions_total",
	"profile_governor_engine_transitions_total",
	"profile_governor_events_dropped_total",
	"profile_governor_events_recorded_total",
	"profile_governor_events_sink_errors_total",
	"profile_governor_gateway_circuit_rejections_total",
	"profile_governor_gateway_circuit_state",
	"profile_governor_gateway_queries_total",
	"profile_governor_gateway_query_duration_seconds",
	"profile_governor_log_messages_total",
	"profile_governor_statestore_bloom_skips_total",
	"profile_governor_statestore_compaction_duration_seconds",
	"profile_governor_statestore_corrupt_files_recovered_total",
	"profile_governor_statestore_corrupt_records_total",
	"profile_governor_statestore_db_size_bytes",
	"profile_governor_statestore_expired_purged_total",
	"profile_governor_statestore_observed_pids",
	"profile_governor_statestore_operations_total",
	"profile_governor_statestore_stale_writes_total",
	"profile_governor_task_duration_seconds",
	"profile_governor_task_runs_total",
	"profile_governor_task_skipped_ticks_total",
}

func TestExportedMetricsAreKnown(t *testing.T) {
	c, err := New(context.Background(), testConfig(t), WithGateway(&staticGateway{}))
	if err != nil {
		t.Fatal(err)
	}
	_, _ = c.Engine().RunOnce(context.Background())
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	known := make(map[string]bool, len(knownMetrics))
	for _, name := range knownMetrics {
		known[name] = true
	}
	seen := make(map[string]*dto.MetricFamily)
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, "profile_governor_") {
			continue
		}
		seen[name] = mf
		if !known[name] {
			t.Errorf("metric %s is exported but not listed in knownMetrics", name)
		}
		if mf.GetHelp() == "" {
			t.Errorf("metric %s has no help text", name)
		}
		if mf.GetType() == dto.MetricType_COUNTER && !strings.HasSuffix(name, "_total") {
			t.Errorf("counter %s does not end in _total", name)
		}
	}

	// Unlabelled collectors are always exported.
	for _, name := range []string{
		"profile_governor_engine_degraded",
		"profile_governor_engine_consecutive_query_failures",
		"profile_governor_checkpoint_retained",
	} {
		if _, ok := seen[name]; !ok {
			t.Errorf("metric %s not exported", name)
		}
	}
	if mf := seen["profile_governor_engine_iterations_total"]; mf == nil || len(mf.GetMetric()) == 0 {
		t.Error("engine iterations not recorded after RunOnce")
	}

	if !sort.StringsAreSorted(knownMetrics) {
		t.Error("knownMetrics is not sorted")
	}
}

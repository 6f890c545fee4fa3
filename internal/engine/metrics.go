package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	iterationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_engine_iterations_total",
		Help: "Decision iterations by outcome",
	}, []string{"outcome"})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_engine_transitions_total",
		Help: "Applied profile transitions by target and rule",
	}, []string{"target", "rule"})

	suppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_engine_suppressed_transitions_total",
		Help: "Transitions held back by a guard",
	}, []string{"guard"})

	consecutiveFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "profile_governor_engine_consecutive_query_failures",
		Help: "Consecutive metrics query failures",
	})

	degradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "profile_governor_engine_degraded",
		Help: "1 while the engine is degraded",
	})

	activeProfile = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "profile_governor_engine_active_profile",
		Help: "1 for the active profile, 0 for the others",
	}, []string{"profile"})

	snapshotValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "profile_governor_engine_snapshot_value",
		Help: "Last metrics snapshot by field",
	}, []string{"field"})
)

func init() {
	prometheus.MustRegister(
		iterationsTotal,
		transitionsTotal,
		suppressedTotal,
		consecutiveFailures,
		degradedGauge,
		activeProfile,
		snapshotValue,
	)
}

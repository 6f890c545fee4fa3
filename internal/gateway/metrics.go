package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_gateway_queries_total",
		Help: "Metrics gateway queries by backend and result",
	}, []string{"backend", "result"})

	queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "profile_governor_gateway_query_duration_seconds",
		Help:    "Metrics gateway query latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "profile_governor_gateway_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	breakerRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_gateway_circuit_rejections_total",
		Help: "Queries rejected while the circuit breaker was open",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(queriesTotal, queryDuration, breakerState, breakerRejections)
}

func observeQuery(backend string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	queriesTotal.WithLabelValues(backend, result).Inc()
	queryDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
}

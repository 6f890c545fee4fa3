package checkpoint

import "github.com/prometheus/client_golang/prometheus"

var (
	checkpointsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_checkpoint_total",
		Help: "Checkpoints attempted by result",
	}, []string{"result"})

	checkpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "profile_governor_checkpoint_duration_seconds",
		Help:    "Time to take and store a checkpoint",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	checkpointBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "profile_governor_checkpoint_size_bytes",
		Help: "Encoded size of the last checkpoint",
	})

	lastCheckpointTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "profile_governor_checkpoint_last_timestamp_seconds",
		Help: "Unix time of the last successful checkpoint",
	})

	retainedCheckpoints = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "profile_governor_checkpoint_retained",
		Help: "Checkpoints currently retained",
	})

	restoresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_checkpoint_restores_total",
		Help: "Checkpoint restores by result",
	}, []string{"result"})

	recoveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_checkpoint_recoveries_total",
		Help: "Startup recovery outcomes",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		checkpointsTotal,
		checkpointDuration,
		checkpointBytes,
		lastCheckpointTimestamp,
		retainedCheckpoints,
		restoresTotal,
		recoveriesTotal,
	)
}

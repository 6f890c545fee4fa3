package statestore

import "github.com/prometheus/client_golang/prometheus"

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_statestore_operations_total",
		Help: "Store operations by kind and result",
	}, []string{"op", "result"})

	staleWritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "profile_governor_statestore_stale_writes_total",
		Help: "Writes discarded because a newer state was already stored",
	})

	corruptRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "profile_governor_statestore_corrupt_records_total",
		Help: "Records that failed to decode and were skipped",
	})

	bloomSkipsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "profile_governor_statestore_bloom_skips_total",
		Help: "Loads answered without a database read because the pid was never written",
	})

	expiredPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "profile_governor_statestore_expired_purged_total",
		Help: "Expired rows removed by compaction",
	})

	compactionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "profile_governor_statestore_compaction_duration_seconds",
		Help:    "Duration of store compaction runs",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	dbSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "profile_governor_statestore_db_size_bytes",
		Help: "On-disk size of the state database including its WAL",
	})

	observedPIDs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "profile_governor_statestore_observed_pids",
		Help: "Estimated number of distinct pids written since start",
	})

	recoveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "profile_governor_statestore_corrupt_files_recovered_total",
		Help: "Database files moved aside because they could not be opened",
	})
)

func init() {
	prometheus.MustRegister(
		operationsTotal,
		staleWritesTotal,
		corruptRecordsTotal,
		bloomSkipsTotal,
		expiredPurgedTotal,
		compactionDuration,
		dbSizeBytes,
		observedPIDs,
		recoveriesTotal,
	)
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(op, result).Inc()
}

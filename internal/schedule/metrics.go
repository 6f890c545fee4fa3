package schedule

import "github.com/prometheus/client_golang/prometheus"

var (
	taskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_task_runs_total",
		Help: "Scheduled task runs by task and result",
	}, []string{"task", "result"})

	taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "profile_governor_task_duration_seconds",
		Help:    "Scheduled task run duration",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 9),
	}, []string{"task"})

	skippedTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_task_skipped_ticks_total",
		Help: "Ticks swallowed because the previous run was still executing",
	}, []string{"task"})
)

func init() {
	prometheus.MustRegister(taskRuns, taskDuration, skippedTicks)
}

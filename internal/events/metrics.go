package events

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_events_recorded_total",
		Help: "Events accepted into the buffer by type",
	}, []string{"type"})

	eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_events_dropped_total",
		Help: "Events dropped by reason",
	}, []string{"reason"})

	sinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_events_sink_errors_total",
		Help: "Failed sink writes",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(eventsRecorded, eventsDropped, sinkErrors)
}

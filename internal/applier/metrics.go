package applier

import "github.com/prometheus/client_golang/prometheus"

var appliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "profile_governor_applier_applies_total",
	Help: "Profile applications by mode and result",
}, []string{"mode", "result"})

func init() {
	prometheus.MustRegister(appliesTotal)
}

package lock

import "github.com/prometheus/client_golang/prometheus"

var (
	lockWaitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datamodel",
			Subsystem: "lock",
			Name:      "waits_total",
			Help:      "Counter of lock requests that had to wait.",
		}, []string{"mode"})

	lockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "datamodel",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Bucketed histogram of the time (s) lock requests waited before being granted or withdrawn.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"mode"})
)

func init() {
	prometheus.MustRegister(lockWaitCounter)
	prometheus.MustRegister(lockWaitDuration)
}

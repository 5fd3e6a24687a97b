package txn

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datamodel",
			Subsystem: "txn",
			Name:      "txns_count",
			Help:      "Counter of finished outermost transactions.",
		}, []string{"result"})

	txnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "datamodel",
			Subsystem: "txn",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of the lifetime (s) of outermost transactions.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}, []string{"result"})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(txnDuration)
}

package deadlock

import "github.com/prometheus/client_golang/prometheus"

var deadlockCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "datamodel",
		Subsystem: "deadlock",
		Name:      "victims_total",
		Help:      "Counter of lock requests aborted because they closed a wait-for cycle.",
	})

func init() {
	prometheus.MustRegister(deadlockCounter)
}

package table

import "github.com/prometheus/client_golang/prometheus"

var rowChangeCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "datamodel",
		Subsystem: "table",
		Name:      "row_changes_total",
		Help:      "Counter of committed row changes.",
	}, []string{"table", "action"})

func init() {
	prometheus.MustRegister(rowChangeCounter)
}

package oplog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var oplogCalls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "oplog_calls_total",
		Help: "number of oplog operations by operation name",
	},
	[]string{"operation"})

var transferredEntries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "oplog_transferred_entries_total",
		Help: "number of oplog entries moved between layers by target layer",
	},
	[]string{"target_layer"})

func recordOplogCall(operation string) {
	oplogCalls.WithLabelValues(operation).Inc()
}

func recordTransfer(targetLayer string, entries int) {
	transferredEntries.WithLabelValues(targetLayer).Add(float64(entries))
}

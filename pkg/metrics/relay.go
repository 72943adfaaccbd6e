package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ApplyDuration tracks the end-to-end latency of applying one replayed
	// mutation inside relayd, from reception to Postgres commit
	ApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_relay_apply_duration_seconds",
		Help:    "Time taken to apply a replayed mutation to the authoritative store",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"status", "entity_type", "operation"})

	// ApplyMessages tracks relayd throughput and outcomes
	ApplyMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_relay_apply_messages_total",
		Help: "Total replayed mutations processed by relayd",
	}, []string{"status", "terminal_id"})

	// ApplyRetries counts internal retries triggered by row lock contention
	ApplyRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_relay_apply_retries_total",
		Help: "Number of internal retries triggered by serialization or lock conflicts",
	}, []string{"entity_type"})
)

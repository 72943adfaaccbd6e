package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReplayBacklog tracks pending/failed mutations waiting for the
	// authoritative store. This is the primary indicator of terminal lag
	// and the human-visible counter that replaces silent data loss.
	ReplayBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pos_replay_backlog",
		Help: "Current number of replay queue items not yet acknowledged by the authoritative store",
	})

	// ReplayDispatched tracks drain throughput by outcome and entity type
	ReplayDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_replay_dispatched_total",
		Help: "Total replay queue items dispatched to the authoritative store",
	}, []string{"status", "entity_type"})

	// DrainDuration measures how long one drain pass takes
	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pos_replay_drain_duration_seconds",
		Help:    "Duration of a replay queue drain pass in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ConnectivityMode exposes the current mode as a 0-3 level
	// (0=isolated, 1=local-only, 2=lan-degraded, 3=online)
	ConnectivityMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pos_connectivity_mode",
		Help: "Current connectivity mode level (3 online, 2 lan-degraded, 1 local-only, 0 isolated)",
	})

	// HeartbeatFailures counts probe misses per target (cloud, relay, peripherals)
	HeartbeatFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_heartbeat_failures_total",
		Help: "Total failed connectivity probes by target",
	}, []string{"target"})

	// LockRequests tracks check lock outcomes as seen by this terminal
	LockRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_check_lock_requests_total",
		Help: "Total check lock acquisition attempts by outcome",
	}, []string{"outcome"}) // granted, in_use, holder_offline, override, conflict

	// FiscalPeriodsClosed counts automatic period rollovers
	FiscalPeriodsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_fiscal_periods_closed_total",
		Help: "Total fiscal periods closed by the scheduler",
	}, []string{"property_id"})

	// RecoveryAttempts counts supervisor restarts per service
	RecoveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_recovery_attempts_total",
		Help: "Total recovery attempts by supervised service",
	}, []string{"service"})

	// BrokerHealthy reflects the AMQP connection state (1 healthy, 0 down)
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pos_broker_healthy",
		Help: "1 while the RabbitMQ connection and channel are open",
	})

	// RecoveryExhausted signals services that could not be revived.
	// Any non-zero value requires operator attention.
	RecoveryExhausted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pos_recovery_exhausted",
		Help: "1 when a supervised service has exhausted its recovery attempts",
	}, []string{"service"})
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_active_connections",
			Help: "Connections currently registered in the hub",
		},
	)

	CommandsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_commands_total",
			Help: "Inbound session commands by tag and outcome",
		},
		[]string{"cmd", "outcome"}, // outcome: "ok" or an error code
	)

	DroppedConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_dropped_connections_total",
			Help: "Connections unregistered because their send queue failed",
		},
	)

	// Tree metrics
	MessagesInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_messages_inserted_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	// Lock metrics
	LocksAcquired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_locks_acquired_total",
			Help: "Total chat locks acquired",
		},
	)

	LockRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_lock_rejections_total",
			Help: "Sends rejected because the chat was locked",
		},
	)

	LocksForceReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_locks_force_released_total",
			Help: "Locks released by the watchdog after exceeding the ceiling",
		},
	)

	// Generation metrics
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_generation_duration_seconds",
			Help:    "Agent reply latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"}, // "ok", "error", "stale"
	)
)

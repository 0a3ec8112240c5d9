package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_ws_connections",
			Help: "Open websocket connections on the relay",
		},
	)

	WSEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_ws_events_total",
			Help: "Inbound websocket events by type",
		},
		[]string{"event"},
	)

	WSRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_ws_rate_limited_total",
			Help: "Inbound websocket events dropped by the per-connection limiter",
		},
	)

	SessionsRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_sessions_revoked_total",
			Help: "Connections closed by session revocation",
		},
	)

	// Client metrics
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Transport reconnection attempts",
		},
	)

	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "1 for the current transport state, 0 otherwise",
		},
		[]string{"state"},
	)

	ReconcileCollapsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconcile_collapsed_total",
			Help: "Optimistic entries collapsed into their confirmed echo",
		},
	)

	MalformedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_malformed_events_total",
			Help: "Events dropped by the reconciliation engine",
		},
		[]string{"kind"},
	)

	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Outbound durable writes by result",
		},
		[]string{"op", "result"},
	)

	SnapshotLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_snapshot_loads_total",
			Help: "Conversation snapshot loads by result",
		},
		[]string{"result"},
	)
)

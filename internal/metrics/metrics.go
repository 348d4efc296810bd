package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bro_ws_active_connections",
			Help: "Currently registered websocket connections",
		},
	)

	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bro_ws_evictions_total",
			Help: "Connections displaced by a newer connection of the same identity",
		},
	)

	HandshakeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bro_ws_handshake_failures_total",
			Help: "Rejected websocket handshakes",
		},
		[]string{"reason"}, // "auth", "not_found", "forbidden", "upgrade"
	)

	// Protocol metrics
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bro_ws_frames_dropped_total",
			Help: "Inbound frames dropped without a reply",
		},
		[]string{"reason"}, // "malformed", "unknown_kind", "rate_limited", "not_subscribed", "stale"
	)

	SubscribeDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bro_ws_subscribe_denied_total",
			Help: "Subscribe intents answered with an error",
		},
		[]string{"code"},
	)

	// Message metrics
	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bro_messages_persisted_total",
			Help: "Chat messages appended to the store",
		},
	)

	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bro_messages_persist_failures_total",
			Help: "Chat messages that failed to persist",
		},
	)

	AppendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bro_store_append_latency_seconds",
			Help:    "Message store append latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	// Fan-out metrics
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bro_fanout_deliveries_total",
			Help: "Frames handed to connection send buffers",
		},
		[]string{"kind"},
	)

	SendOverflows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bro_ws_send_overflows_total",
			Help: "Outbound buffer overflows by policy",
		},
		[]string{"policy"},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts processed orders by side (bid/ask)
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "binex_orders_processed_total",
		Help: "Total number of orders processed by the engine",
	},
	[]string{"side"},
)

// OrdersRejected counts rejected submissions by reason
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "binex_orders_rejected_total",
		Help: "Total number of rejected order submissions",
	},
	[]string{"reason"},
)

// OrderLatency records latency distribution for order processing
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "binex_order_processing_latency_seconds",
		Help:    "Latency in seconds to process individual orders",
		Buckets: prometheus.DefBuckets,
	},
)

// CheckpointsWritten counts successful engine checkpoints
var CheckpointsWritten = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "binex_checkpoints_written_total",
		Help: "Total number of engine state checkpoints written",
	},
)

// WebSocket gateway metrics
var (
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "binex_ws_active_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	WSMessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "binex_ws_messages_sent_total",
			Help: "Total number of messages pushed to WebSocket clients",
		},
	)

	WSMessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "binex_ws_messages_dropped_total",
			Help: "Total number of messages dropped due to slow clients",
		},
	)
)

func init() {
	prometheus.MustRegister(OrdersProcessed, OrdersRejected, OrderLatency, CheckpointsWritten)
	prometheus.MustRegister(WSConnections, WSMessagesSent, WSMessagesDropped)
}

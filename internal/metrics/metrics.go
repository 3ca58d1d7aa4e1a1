// Package metrics holds the Prometheus collectors of the realtime layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmsync_connections",
			Help: "Connection managers by connection state",
		},
		[]string{"state"}, // "disconnected", "connecting", "open", "closing"
	)

	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_connect_attempts_total",
			Help: "Total connection attempts",
		},
		[]string{"result"}, // "ok", "error", "aborted"
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_reconnect_attempts_total",
			Help: "Total automatic reconnect attempts",
		},
	)

	HeartbeatFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_heartbeat_failures_total",
			Help: "Total failed keep-alive pings",
		},
	)

	// Frame metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_frames_received_total",
			Help: "Total inbound frames by decoded kind",
		},
		[]string{"kind"},
	)

	FramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_frames_sent_total",
			Help: "Total outbound frames written",
		},
	)

	PresenceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_presence_updates_total",
			Help: "Presence updates applied by status",
		},
		[]string{"status"}, // "online", "offline"
	)

	StaleFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_stale_frames_total",
			Help: "Inbound frames dropped because their connection was replaced",
		},
	)

	DecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_decode_failures_total",
			Help: "Total inbound frames that failed to decode",
		},
	)

	HandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_handler_panics_total",
			Help: "Total recovered handler panics",
		},
		[]string{"component"},
	)

	// Conversation metrics
	ReceiptsBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmsync_receipts_buffered",
			Help: "Read receipts waiting for their message",
		},
	)

	ReceiptsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_receipts_dropped_total",
			Help: "Buffered read receipts evicted by the buffer bound",
		},
	)

	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_delivery_failures_total",
			Help: "Optimistic messages flagged as delivery failed",
		},
	)

	// Development server metrics
	DevServerClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmsync_devserver_clients",
			Help: "Connected development server clients",
		},
	)

	DevServerMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_devserver_messages_total",
			Help: "Messages accepted by the development server",
		},
	)

	DevServerHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_devserver_http_requests_total",
			Help: "Development server HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	DevServerHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmsync_devserver_http_request_duration_seconds",
			Help:    "Development server HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Package metrics provides Prometheus instrumentation for the SNS services.
// It exposes gauges for connection, presence and typing counts, counters for
// fan-out throughput and failures, and a histogram for REST latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sns_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of distinct users with an open session.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sns_online_users",
		Help: "Current number of distinct online users",
	})

	// TypingUsers tracks the number of users currently flagged as typing.
	TypingUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sns_typing_users",
		Help: "Current number of users flagged as typing",
	})

	// EventsBroadcast counts realtime events fanned out, labeled by event type.
	EventsBroadcast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sns_events_broadcast_total",
		Help: "Total number of realtime events fanned out",
	}, []string{"type"})

	// BroadcastFailures counts per-connection write failures during fan-out.
	BroadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sns_broadcast_failures_total",
		Help: "Total number of failed per-connection writes during fan-out",
	})

	// AuthRejected counts refused handshakes, labeled by reason.
	AuthRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sns_auth_rejected_total",
		Help: "Total number of rejected realtime handshakes",
	}, []string{"reason"}) // reason = "no_credential", "invalid_credential", "user_not_found", "error"

	// HTTPRequestDuration records REST request latency in seconds.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sns_http_request_duration_seconds",
		Help:    "REST request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"route", "status"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		TypingUsers,
		EventsBroadcast,
		BroadcastFailures,
		AuthRejected,
		HTTPRequestDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

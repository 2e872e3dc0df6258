// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks socket request and REST call latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatline_request_duration_seconds",
			Help:    "Chat request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op", "status"},
	)

	// MessagesSentTotal counts send attempts by outcome.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_messages_sent_total",
			Help: "Messages sent, by outcome",
		},
		[]string{"outcome"},
	)

	// PushEventsTotal counts server push events received.
	PushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_push_events_total",
			Help: "Server push events received",
		},
		[]string{"event"},
	)

	// ReconnectsTotal counts redial attempts by result.
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_reconnects_total",
			Help: "Socket reconnect attempts",
		},
		[]string{"result"},
	)

	// SocketConnected is 1 while a socket is open.
	SocketConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatline_socket_connected",
			Help: "Whether the chat socket is connected",
		},
	)

	// NotificationsTotal counts user-visible notifications by level.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatline_notifications_total",
			Help: "User notifications raised",
		},
		[]string{"level"},
	)
)

// RecordRequest records metrics for a request.
func RecordRequest(op string, err error, seconds float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	RequestDuration.WithLabelValues(op, status).Observe(seconds)
}

// SetConnected flips the connection gauge.
func SetConnected(connected bool) {
	if connected {
		SocketConnected.Set(1)
		return
	}
	SocketConnected.Set(0)
}

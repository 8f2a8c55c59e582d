// Package metrics provides Prometheus instrumentation for the DevConnect
// chat service. It exposes gauges for connection and room counts, counters
// for message throughput by delivery path, and histograms for broadcast
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "devconnect_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// JoinedRooms tracks the current number of (connection, room) joins.
	JoinedRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "devconnect_joined_rooms",
		Help: "Current number of room subscriptions across all connections",
	})

	// MessagesTotal counts messages persisted, labeled by delivery path:
	// "ws" or "rest".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devconnect_messages_total",
		Help: "Total number of messages persisted",
	}, []string{"path"})

	// SendFailures counts rejected or failed sends, labeled by path.
	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devconnect_send_failures_total",
		Help: "Total number of failed message sends",
	}, []string{"path"})

	// BroadcastLatency records the time from receiving send-message to
	// completing the room broadcast, in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "devconnect_broadcast_latency_seconds",
		Help:    "Latency from send-message receipt to room broadcast",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ChatsCreated counts chat rooms created.
	ChatsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devconnect_chats_created_total",
		Help: "Total number of chat rooms created",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		JoinedRooms,
		MessagesTotal,
		SendFailures,
		BroadcastLatency,
		ChatsCreated,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

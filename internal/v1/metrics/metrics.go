package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the chat server.
//
// Naming convention: namespace_subsystem_name
// - namespace: parley (application-level grouping)
// - subsystem: tcp, session, room (feature-level grouping)
// - name: specific metric (connections_active, events_published_total, ...)
//
// Metric Types:
// - Gauge: current state (connections, logged-in sessions, room members)
// - Counter: cumulative events (commands processed, events published/dropped)
// - Histogram: latency distributions (command processing time)

var (
	// ConnectionsActive tracks the current number of accepted TCP connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "tcp",
		Name:      "connections_active",
		Help:      "Current number of active TCP connections",
	})

	// WebSocketConnectionsActive tracks the current number of upgraded chat
	// sockets on the WebSocket gateway.
	WebSocketConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "ws",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// SessionsLoggedIn tracks how many sessions have completed the login
	// handshake and hold a user name.
	SessionsLoggedIn = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "session",
		Name:      "sessions_logged_in",
		Help:      "Current number of logged-in chat sessions",
	})

	// RoomMembers tracks the number of members in each room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room"})

	// EventsPublished counts events published onto room buses.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "events_published_total",
		Help:      "Total events published onto room buses",
	}, []string{"room", "event_type"})

	// EventsDropped counts events lost to lagging subscribers.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "events_dropped_total",
		Help:      "Total events dropped because a subscriber lagged",
	}, []string{"room"})

	// CommandsTotal counts inbound client commands by outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "session",
		Name:      "commands_total",
		Help:      "Total client commands processed",
	}, []string{"command_type", "status"})

	// CommandDuration tracks the time spent processing client commands.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "parley",
		Subsystem: "session",
		Name:      "command_duration_seconds",
		Help:      "Time spent processing client commands",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"command_type"})

	// RateLimitExceeded counts requests rejected by the HTTP-side limits.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "http",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"endpoint", "limit_type"})
)

func IncConnection() {
	ConnectionsActive.Inc()
}

func DecConnection() {
	ConnectionsActive.Dec()
}

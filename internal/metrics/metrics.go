// Package metrics provides Prometheus instrumentation for the chat push
// core. It exposes gauges for connection and presence counts, counters for
// relayed events and outbound queue drops, and a histogram for handler
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers tracks the size of the presence set.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_online_users",
		Help: "Current number of registered (online) users",
	})

	// EventsTotal counts pushed and received events, labeled by event type
	// and outcome: "sent", "received", "blocked", "dropped" or "invalid".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_total",
		Help: "Total number of events processed",
	}, []string{"type", "outcome"})

	// OutboxDropped counts frames discarded by the drop-oldest outbound
	// queue of slow connections.
	OutboxDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_outbox_dropped_total",
		Help: "Frames dropped from full per-connection outbound queues",
	})

	// HandlerLatency records inbound event handling latency in seconds.
	HandlerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_handler_latency_seconds",
		Help:    "Inbound event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// Evictions counts registry removals, labeled by reason: "replaced",
	// "send_failed", "closed", "heartbeat" or "account_blocked".
	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_evictions_total",
		Help: "Connections removed from the registry",
	}, []string{"reason"})

	// OfflineNotifications counts offline-notification signals published.
	OfflineNotifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_offline_notifications_total",
		Help: "New-message signals handed to the offline notifier",
	})

	// APIRequests counts request/response API calls by route pattern and
	// status code.
	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_api_requests_total",
		Help: "Request/response API calls",
	}, []string{"route", "code"})

	// RateLimited counts requests rejected by a rate limit rule.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_rate_limited_total",
		Help: "Requests rejected by rate limiting",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		OutboxDropped,
		HandlerLatency,
		Evictions,
		OfflineNotifications,
		APIRequests,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

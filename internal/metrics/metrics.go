// Package metrics provides Prometheus instrumentation for livechat. The chat
// client counts messages, store round trips and feed events; the realtime
// gateway tracks its connections, subscriptions and relayed changes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal counts chat messages handled by the client, labeled by
	// type: "sent", "failed", "received".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_messages_total",
		Help: "Total number of chat messages handled by the client",
	}, []string{"type"})

	// StoreOpDuration records store round-trip latency in seconds, labeled by
	// operation.
	StoreOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livechat_store_op_duration_seconds",
		Help:    "Store operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"op"})

	// RefetchTotal counts full history re-reads after a send.
	RefetchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livechat_refetch_total",
		Help: "Total number of history refetches after a send",
	})

	// FeedEventsTotal counts change notifications delivered to the client.
	FeedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_feed_events_total",
		Help: "Total number of change notifications received",
	}, []string{"table"})

	// GatewayConnections tracks the current number of gateway websocket
	// connections.
	GatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_gateway_connections",
		Help: "Current number of active gateway WebSocket connections",
	})

	// GatewaySubscriptions tracks the current number of topic subscriptions
	// across all gateway connections.
	GatewaySubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_gateway_subscriptions",
		Help: "Current number of gateway topic subscriptions",
	})

	// ChangesRelayed counts changes the gateway forwarded, labeled by table.
	ChangesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_gateway_changes_relayed_total",
		Help: "Total number of changes relayed by the gateway",
	}, []string{"table"})
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		StoreOpDuration,
		RefetchTotal,
		FeedEventsTotal,
		GatewayConnections,
		GatewaySubscriptions,
		ChangesRelayed,
	)
}

// ObserveStoreOp records the latency of op since start.
func ObserveStoreOp(op string, start time.Time) {
	StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

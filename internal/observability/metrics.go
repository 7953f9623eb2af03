// Package observability registers the process's Prometheus collectors and
// exposes small helpers so callers never touch collector types directly.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapestry_http_requests_total",
			Help: "Total number of HTTP requests handled by the API.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tapestry_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	wsConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tapestry_ws_connections_active",
			Help: "Number of open live WebSocket connections.",
		},
	)
	liveSubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tapestry_live_subscriptions_active",
			Help: "Number of active live query subscriptions across all connections.",
		},
	)
	liveUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapestry_live_updates_total",
			Help: "Total number of changed results delivered to live query watchers.",
		},
		[]string{"query"},
	)
	queryExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapestry_query_executions_total",
			Help: "Total number of named query executions.",
		},
		[]string{"query"},
	)
	messagesIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tapestry_messages_ingested_total",
			Help: "Total number of messages accepted by sync ingest.",
		},
	)
	searchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapestry_search_requests_total",
			Help: "Total number of search requests by serving backend.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsConnectionsActive,
		liveSubscriptionsActive,
		liveUpdatesTotal,
		queryExecutionsTotal,
		messagesIngestedTotal,
		searchRequestsTotal,
	)
}

// ObserveHTTPRequest records one handled request. route should be the
// pattern, not the raw path, to keep cardinality bounded.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func IncWSConnection() {
	wsConnectionsActive.Inc()
}

func DecWSConnection() {
	wsConnectionsActive.Dec()
}

func IncLiveSubscription() {
	liveSubscriptionsActive.Inc()
}

func DecLiveSubscription() {
	liveSubscriptionsActive.Dec()
}

func IncLiveUpdate(query string) {
	liveUpdatesTotal.WithLabelValues(query).Inc()
}

func IncQueryExecution(query string) {
	queryExecutionsTotal.WithLabelValues(query).Inc()
}

func AddMessagesIngested(n int) {
	messagesIngestedTotal.Add(float64(n))
}

func IncSearchRequest(backend string) {
	searchRequestsTotal.WithLabelValues(backend).Inc()
}

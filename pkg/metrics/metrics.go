// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StreamConnectionsActive tracks active SSE stream connections.
	StreamConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_connections_active",
			Help: "Number of active SSE stream connections",
		},
	)

	// StreamReconnectsTotal tracks client-side reconnect attempts.
	StreamReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_reconnects_total",
			Help: "Total stream reconnect attempts",
		},
	)

	// StreamEventsTotal tracks events delivered over stream connections.
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_total",
			Help: "Total stream events delivered, by event state",
		},
		[]string{"state"},
	)

	// RunsTotal tracks model runs by terminal outcome.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runs_total",
			Help: "Total model runs, by terminal outcome",
		},
		[]string{"tenant_id", "outcome"},
	)

	// RunTokensTotal tracks tokens processed by model runs.
	RunTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "run_tokens_total",
			Help: "Total run tokens processed",
		},
		[]string{"direction"},
	)

	// CredentialRefreshesTotal tracks credential refresh attempts.
	CredentialRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_refreshes_total",
			Help: "Total credential refresh attempts, by result",
		},
		[]string{"result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRun records a terminal run outcome with its token usage.
func RecordRun(tenantID, outcome string, tokensIn, tokensOut int) {
	RunsTotal.WithLabelValues(tenantID, outcome).Inc()
	RunTokensTotal.WithLabelValues("in").Add(float64(tokensIn))
	RunTokensTotal.WithLabelValues("out").Add(float64(tokensOut))
}

// IncrementStreamConnections increments the active stream connection count.
func IncrementStreamConnections() {
	StreamConnectionsActive.Inc()
}

// DecrementStreamConnections decrements the active stream connection count.
func DecrementStreamConnections() {
	StreamConnectionsActive.Dec()
}

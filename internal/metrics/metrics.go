// Package metrics provides Prometheus instrumentation for the chain engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LegsExecuted counts leg executions, partitioned by terminal outcome
	// (filled, unfilled, market_closed, market_closing_soon).
	LegsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainengine_legs_executed_total",
		Help: "Total leg executions by terminal outcome",
	}, []string{"outcome"})

	// LegExecutionLatency tracks end-to-end latency of one leg execution.
	LegExecutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chainengine_leg_execution_seconds",
		Help:    "Leg execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ChainsFailed counts chains halted, partitioned by reason.
	ChainsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainengine_chains_failed_total",
		Help: "User chains moved to FAILED, by reason",
	}, []string{"reason"})

	// ChainsCreated counts user chains created.
	ChainsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainengine_chains_created_total",
		Help: "User chains created",
	})

	// DuplicateTriggers counts execution triggers rejected as no-ops by
	// the conditional-write guard.
	DuplicateTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainengine_duplicate_triggers_total",
		Help: "Execution triggers dropped because the bet was already claimed",
	})

	// GatewayRetries counts retried venue requests.
	GatewayRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainengine_gateway_retries_total",
		Help: "Retried venue gateway requests",
	})

	// EstimateFallbacks counts per-leg estimate degradations.
	EstimateFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainengine_estimate_fallbacks_total",
		Help: "Estimate legs that fell back to the displayed price",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// TriggerQueueDepth tracks pending execution triggers.
	TriggerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainengine_trigger_queue_depth",
		Help: "Execution triggers waiting in the dispatcher queue",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route cardinality is small.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

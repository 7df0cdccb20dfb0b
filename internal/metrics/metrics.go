// Package metrics provides Prometheus instrumentation for the hedge engine.
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
	// InstructionsTotal counts processed instructions by terminal status.
	InstructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_instructions_total",
		Help: "Instructions processed, partitioned by terminal status",
	}, []string{"status"})

	// EventsEmitted counts hedge business events written, by event type.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_events_emitted_total",
		Help: "Hedge business events emitted",
	}, []string{"event_type"})

	// DuplicateReplays counts idempotent replays of known message ids.
	DuplicateReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedge_duplicate_replays_total",
		Help: "Submissions answered from a prior terminal result",
	})

	// ThresholdRejections counts instructions blocked by threshold rules.
	ThresholdRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_threshold_rejections_total",
		Help: "Instructions rejected by threshold rules",
	}, []string{"rule"})

	// RetryExhaustions counts operations parked in SystemError after the
	// retry schedule ran out.
	RetryExhaustions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedge_retry_exhaustions_total",
		Help: "Operations that exhausted their retry budget",
	})

	// PipelineLatency tracks end-to-end processing time by instruction type.
	PipelineLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_pipeline_latency_seconds",
		Help:    "Instruction processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"instruction_type"})

	// FillRatio observes allocated/requested per allocation run.
	FillRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hedge_allocation_fill_ratio",
		Help:    "Allocated amount as a fraction of requested",
		Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 0.99, 1.0},
	})

	// WebSocketClients tracks connected event-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_http_request_duration_seconds",
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

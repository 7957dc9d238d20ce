// Package telemetry exposes Prometheus metrics for the scan engine and the
// HTTP surface.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	catalogRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankwatch_catalog_requests_total",
			Help: "Total outbound catalog API requests, labeled by endpoint and status code.",
		},
		[]string{"endpoint", "code"},
	)

	catalogRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankwatch_catalog_retries_total",
			Help: "Total catalog request retries, labeled by cause (rate_limited, transient).",
		},
		[]string{"cause"},
	)

	pacerWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rankwatch_pacer_wait_seconds",
			Help:    "Histogram of global rate limiter wait durations.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	scansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rankwatch_scans_total",
			Help: "Total finished scans, labeled by terminal status.",
		},
		[]string{"status"},
	)

	activeScans = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rankwatch_active_scans",
			Help: "Number of scans currently executing.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// ObserveCatalogRequest records one outbound catalog call.
func ObserveCatalogRequest(endpoint string, code int) {
	catalogRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

// ObserveCatalogRetry records a retry, cause is "rate_limited" or "transient".
func ObserveCatalogRetry(cause string) {
	catalogRetriesTotal.WithLabelValues(cause).Inc()
}

// ObservePacerWait records an actual rate limiter wait.
func ObservePacerWait(d time.Duration) {
	pacerWaitSeconds.Observe(d.Seconds())
}

// ObserveScanFinished counts a scan reaching the given terminal status.
func ObserveScanFinished(status string) {
	scansTotal.WithLabelValues(status).Inc()
}

// ScanStarted and ScanEnded bracket a scan execution for the active gauge.
func ScanStarted() { activeScans.Inc() }

// ScanEnded decrements the active scan gauge.
func ScanEnded() { activeScans.Dec() }

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.statusCode)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, routePattern).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE responses stream.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

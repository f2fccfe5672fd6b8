package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	batchDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	batchItemBuckets     = []float64{1, 2, 5, 10, 25, 50, 100}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Gateway HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Batch metrics
	BatchRequestsTotal     *prometheus.CounterVec
	BatchDuration          *prometheus.HistogramVec
	BatchItems             *prometheus.HistogramVec
	BatchRequestSizeBytes  *prometheus.HistogramVec
	BatchResponseSizeBytes *prometheus.HistogramVec
	PartFailuresTotal      *prometheus.CounterVec

	// CSRF metrics
	CSRFFetchesTotal *prometheus.CounterVec
	CSRFRetriesTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatabatch_http_requests_total",
			Help: "Total number of gateway HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatabatch_http_request_duration_seconds",
			Help:    "Gateway HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatabatch_http_response_size_bytes",
			Help:    "Gateway HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		BatchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatabatch_batch_requests_total",
			Help: "Total number of $batch requests by outcome.",
		}, []string{"destination", "status"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatabatch_batch_duration_seconds",
			Help:    "$batch execution duration in seconds, CSRF handshake included.",
			Buckets: batchDurationBuckets,
		}, []string{"destination"}),
		BatchItems: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatabatch_batch_items",
			Help:    "Number of top-level items per $batch request.",
			Buckets: batchItemBuckets,
		}, []string{"destination"}),
		BatchRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatabatch_batch_request_size_bytes",
			Help:    "Serialized $batch request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"destination"}),
		BatchResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odatabatch_batch_response_size_bytes",
			Help:    "$batch response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"destination"}),
		PartFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatabatch_part_failures_total",
			Help: "Total number of failed batch items by kind.",
		}, []string{"destination", "kind"}),

		CSRFFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatabatch_csrf_fetches_total",
			Help: "Total number of CSRF token fetches by result.",
		}, []string{"destination", "result"}),
		CSRFRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odatabatch_csrf_retries_total",
			Help: "Total number of batches retried after a CSRF token rejection.",
		}, []string{"destination"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSizeBytes,
		m.BatchRequestsTotal,
		m.BatchDuration,
		m.BatchItems,
		m.BatchRequestSizeBytes,
		m.BatchResponseSizeBytes,
		m.PartFailuresTotal,
		m.CSRFFetchesTotal,
		m.CSRFRetriesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records gateway request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordBatch records one batch execution. status is the outer HTTP status,
// or an error code when no response was produced.
func (m *Metrics) RecordBatch(destination, status string, items int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BatchRequestsTotal.WithLabelValues(destination, status).Inc()
	m.BatchDuration.WithLabelValues(destination).Observe(duration.Seconds())
	m.BatchItems.WithLabelValues(destination).Observe(float64(items))
}

// RecordBatchSizes records request and response body sizes.
func (m *Metrics) RecordBatchSizes(destination string, reqSize, respSize int) {
	if m == nil {
		return
	}
	m.BatchRequestSizeBytes.WithLabelValues(destination).Observe(float64(reqSize))
	m.BatchResponseSizeBytes.WithLabelValues(destination).Observe(float64(respSize))
}

// RecordPartFailure records a failed item; kind is read, function or changeset.
func (m *Metrics) RecordPartFailure(destination, kind string) {
	if m == nil {
		return
	}
	m.PartFailuresTotal.WithLabelValues(destination, kind).Inc()
}

// RecordCSRFFetch records a token fetch; result is ok, absent or error.
func (m *Metrics) RecordCSRFFetch(destination, result string) {
	if m == nil {
		return
	}
	m.CSRFFetchesTotal.WithLabelValues(destination, result).Inc()
}

// RecordCSRFRetry records a batch retried after a token rejection.
func (m *Metrics) RecordCSRFRetry(destination string) {
	if m == nil {
		return
	}
	m.CSRFRetriesTotal.WithLabelValues(destination).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Package metrics provides Prometheus metrics for the jsonkit server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsonkit_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jsonkit_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Scan metrics
	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jsonkit_scan_duration_seconds",
			Help:    "Time to scan a directory subtree",
			Buckets: prometheus.DefBuckets,
		},
	)

	scanNodes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jsonkit_scan_nodes_total",
			Help: "Total number of tree nodes produced by scans",
		},
	)

	extractFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jsonkit_extract_failures_total",
			Help: "Files whose extData could not be computed",
		},
	)

	// Watcher metrics
	watchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsonkit_watch_events_total",
			Help: "Canonical change events emitted by the watcher",
		},
		[]string{"type"},
	)

	watchPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jsonkit_watch_pending_paths",
			Help: "Paths waiting for their writes to settle",
		},
	)

	// Push channel metrics
	wsClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jsonkit_ws_clients",
			Help: "Number of connected WebSocket clients",
		},
	)

	broadcastTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsonkit_events_broadcast_total",
			Help: "Change events broadcast to clients",
		},
		[]string{"type"},
	)

	broadcastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jsonkit_broadcast_failures_total",
			Help: "Deliveries that failed and dropped their connection",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordScan records a completed scan.
func RecordScan(nodes int, duration time.Duration) {
	scanDuration.Observe(duration.Seconds())
	scanNodes.Add(float64(nodes))
}

// RecordExtractFailure counts a file that degraded to no extData.
func RecordExtractFailure() {
	extractFailures.Inc()
}

// RecordWatchEvent counts an event emitted by the watcher.
func RecordWatchEvent(eventType string) {
	watchEvents.WithLabelValues(eventType).Inc()
}

// SetWatchPending sets the number of unsettled paths.
func SetWatchPending(count int) {
	watchPending.Set(float64(count))
}

// SetWSClients sets the number of connected clients.
func SetWSClients(count int) {
	wsClients.Set(float64(count))
}

// RecordBroadcast counts an event handed to the hub.
func RecordBroadcast(eventType string) {
	broadcastTotal.WithLabelValues(eventType).Inc()
}

// RecordBroadcastFailure counts a failed delivery.
func RecordBroadcastFailure() {
	broadcastFailures.Inc()
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request counts and latencies. The path label is the
// route pattern, not the raw URL, to keep cardinality bounded.
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, route, rw.status, time.Since(start))
	})
}

// Package metrics provides Prometheus metrics for the sync gateway.
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
			Name: "pairfusion_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pairfusion_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Websocket connection metrics
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairfusion_connections_active",
			Help: "Number of active websocket connections",
		},
	)

	connectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairfusion_connections_total",
			Help: "Total websocket connections accepted",
		},
	)

	// Room metrics
	joinAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairfusion_join_attempts_total",
			Help: "Total room join attempts",
		},
		[]string{"result"},
	)

	// Relay metrics
	eventsRelayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairfusion_events_relayed_total",
			Help: "Total events relayed to room members",
		},
		[]string{"event"},
	)

	relayPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairfusion_relay_published_total",
			Help: "Total frames published to the presence backplane",
		},
	)

	relayReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairfusion_relay_received_total",
			Help: "Total frames received from other gateway instances",
		},
	)

	sendErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairfusion_send_errors_total",
			Help: "Total frames dropped because a local send buffer was full",
		},
	)

	// Recovery metrics
	stateSyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairfusion_state_syncs_total",
			Help: "Total state snapshots brokered between peers",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ConnectionOpened records a newly accepted websocket connection.
func ConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// ConnectionClosed records a websocket connection teardown.
func ConnectionClosed() {
	connectionsActive.Dec()
}

// RecordJoinAttempt records a room join attempt.
func RecordJoinAttempt(accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	joinAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordEventRelayed records one event delivered to room members.
func RecordEventRelayed(event string) {
	eventsRelayedTotal.WithLabelValues(event).Inc()
}

// RecordRelayPublished records a frame published to the backplane.
func RecordRelayPublished() {
	relayPublishedTotal.Inc()
}

// RecordRelayReceived records a frame received from another instance.
func RecordRelayReceived() {
	relayReceivedTotal.Inc()
}

// RecordSendError records a frame dropped for a slow local consumer.
func RecordSendError() {
	sendErrorsTotal.Inc()
}

// RecordStateSync records a brokered recovery snapshot.
func RecordStateSync() {
	stateSyncsTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

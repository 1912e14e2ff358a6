package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPMetrics holds Prometheus metrics for the Control API.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
}

// NewHTTPMetrics creates HTTP metrics under the ingestpipe/control_api
// namespace/subsystem.
func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ingestpipe",
				Subsystem: "control_api",
				Name:      "requests_total",
				Help:      "Total Control API requests processed",
			},
			[]string{"method", "path", "status_code"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ingestpipe",
				Subsystem: "control_api",
				Name:      "request_duration_seconds",
				Help:      "Control API request duration",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"method", "path", "status_code"},
		),
		activeRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ingestpipe",
				Subsystem: "control_api",
				Name:      "active_requests",
				Help:      "Currently active Control API requests",
			},
		),
	}
}

type statusCapture struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapture) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency for every handler.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		m.activeRequests.Inc()
		defer m.activeRequests.Dec()

		sw := &statusCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.statusCode)
		m.requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the Prometheus scrape handler.
func (m *HTTPMetrics) Handler() http.Handler {
	return promhttp.Handler()
}

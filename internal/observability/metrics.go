package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds the HTTP gateway metrics and the shared registry
// the run executor registers its own metrics on.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
	StreamSubscribers   prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replab",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "replab",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "replab",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		StreamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "replab",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Currently connected SSE/WebSocket event subscribers.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.StreamSubscribers,
	)

	return m
}

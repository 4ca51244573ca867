package run

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the run executor.
// All metrics use the replab_run_ namespace.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	FailuresTotal   *prometheus.CounterVec
	EventsPublished prometheus.Counter
	ActiveRuns      prometheus.Gauge
}

// NewMetrics creates and registers executor metrics on the given registry.
// Returns nil if reg is nil; all methods of the executor are nil-safe.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replab",
			Subsystem: "run",
			Name:      "total",
			Help:      "Total runs by final status.",
		}, []string{"status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "replab",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Run duration from start to terminal state, in seconds.",
			Buckets:   []float64{1, 5, 15, 60, 180, 600, 1500},
		}, []string{"status"}),

		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replab",
			Subsystem: "run",
			Name:      "failures_total",
			Help:      "Failed runs by stable error code.",
		}, []string{"code"}),

		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replab",
			Subsystem: "run",
			Name:      "events_published_total",
			Help:      "Events forwarded to the bus and the durable log.",
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "replab",
			Subsystem: "run",
			Name:      "active_runs",
			Help:      "Number of runs currently executing.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.FailuresTotal,
		m.EventsPublished,
		m.ActiveRuns,
	)

	return m
}

package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/replab-dev/replab/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs != nil {
		t.Error("nil config should disable everything")
	}
	obs.Shutdown(context.Background()) // Must be nil-safe.
}

func TestNew_MetricsOnly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("metrics not created")
	}
	if obs.Tracer != nil {
		t.Error("tracer created without config")
	}
	if obs.Health == nil {
		t.Error("health checker missing")
	}
}

func TestMetricsCollector_Records(t *testing.T) {
	m := NewMetricsCollector()

	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/runs", "200").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/runs", "200").Inc()
	m.HTTPRequestDuration.WithLabelValues("GET", "/v1/runs").Observe(0.05)
	m.ActiveRequests.Inc()
	m.StreamSubscribers.Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	counter := byName["replab_http_requests_total"]
	if counter == nil {
		t.Fatal("requests counter not registered")
	}
	if got := counter.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("requests counter = %v, want 2", got)
	}
	if byName["replab_http_request_duration_seconds"] == nil {
		t.Error("duration histogram not registered")
	}
	if byName["replab_active_requests"] == nil {
		t.Error("active requests gauge not registered")
	}
	if byName["replab_stream_subscribers"] == nil {
		t.Error("stream subscribers gauge not registered")
	}
}

func TestMetricsCollector_CustomRegistry(t *testing.T) {
	m := NewMetricsCollector()
	// Registering executor metrics on the shared registry must not clash
	// with the HTTP metrics.
	extra := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "replab",
		Subsystem: "run",
		Name:      "extra_total",
		Help:      "test",
	})
	if err := m.Registry.Register(extra); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(nil)
	if err != nil {
		t.Fatalf("NewTracerSetup: %v", err)
	}
	if ts != nil {
		t.Error("nil config should yield nil setup")
	}
	// Nil setup still hands out a usable noop tracer.
	tracer := ts.Tracer()
	_, span := tracer.Start(context.Background(), "test")
	span.End()
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/plans/x/runs", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	families, err := metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() != "replab_http_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status_code" && l.GetValue() == "202" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("request not recorded with its status code")
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(discardLogger())

	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("liveness = %q", got.Status)
	}
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("readiness with no checks = %q", got.Status)
	}

	h.AddCheck("storage", func(ctx context.Context) error { return nil })
	h.AddCheck("blob", func(ctx context.Context) error { return errors.New("root unwritable") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("readiness = %q, want degraded", got.Status)
	}
	if got.Checks["storage"].Status != "ok" {
		t.Errorf("storage check = %+v", got.Checks["storage"])
	}
	if got.Checks["blob"].Status != "fail" || got.Checks["blob"].Message == "" {
		t.Errorf("blob check = %+v", got.Checks["blob"])
	}
}

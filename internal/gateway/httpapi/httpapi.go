// Package httpapi implements the HTTP API gateway for Replab: run
// lifecycle endpoints, live event streaming over SSE and WebSocket, and
// signed artifact downloads.
//
// Security:
//   - Optional API key authentication (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Artifact downloads gated by HMAC-signed, time-limited URLs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/replab-dev/replab/internal/blob"
	"github.com/replab-dev/replab/internal/bus"
	"github.com/replab-dev/replab/internal/observability"
	"github.com/replab-dev/replab/internal/run"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool
	APIKeys    map[string]string // API key → client ID. Empty = no auth.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	executor *run.Executor
	bus      *bus.Bus
	blobs    *blob.Store
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket stream endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway around the run executor.
func NewGateway(cfg Config, executor *run.Executor, eventBus *bus.Bus, blobs *blob.Store, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		executor: executor,
		bus:      eventBus,
		blobs:    blobs,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Replab",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket stream endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// /v1 group, authenticated when API keys are configured.
	if len(g.config.APIKeys) > 0 {
		g.group = g.okapi.Group("/v1", g.authenticate)
	} else {
		g.group = g.okapi.Group("/v1")
	}

	g.group.Post("/plans/{plan_id}/runs", g.handleStartRun,
		okapi.DocSummary("Start a run for a stored plan"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("plan_id", "string", "Plan ID (UUID)"),
		okapi.DocResponse(http.StatusAccepted, StartRunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/plans/{plan_id}/runs", g.handleListRuns,
		okapi.DocSummary("List runs of a plan"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("plan_id", "string", "Plan ID (UUID)"),
		okapi.DocResponse([]RunResponse{}),
	)
	g.group.Get("/runs/{id}", g.handleGetRun,
		okapi.DocSummary("Get run status"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/runs/{id}/events", g.handleListEvents,
		okapi.DocSummary("List the durable event log of a run"),
		okapi.DocTags("Events"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse([]EventResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/runs/{id}/series/{metric}", g.handleSeries,
		okapi.DocSummary("Get a run metric time-series"),
		okapi.DocTags("Events"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocPathParam("metric", "string", "Metric name"),
		okapi.DocResponse([]SeriesPointResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/runs/{id}/stream", g.handleStreamSSE,
		okapi.DocSummary("Stream run events via SSE (history replay, then live)"),
		okapi.DocTags("Events"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
	)
	g.group.Get("/runs/{id}/artifacts/{name}", g.handleArtifactURL,
		okapi.DocSummary("Get a signed download URL for a run artifact"),
		okapi.DocTags("Artifacts"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocPathParam("name", "string", "metrics.json, events.jsonl, or logs.txt"),
		okapi.DocResponse(ArtifactURLResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Extra handlers (e.g., WebSocket stream endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Signed blob downloads (the signature is the authentication).
	g.okapi.HandleStd("GET", "/v1/blobs", g.handleBlobDownload)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Run handlers ---

// StartRunResponse is the JSON response for POST /v1/plans/{plan_id}/runs.
type StartRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunResponse is the JSON representation of a run.
type RunResponse struct {
	ID          string  `json:"id"`
	PlanID      string  `json:"plan_id"`
	Status      string  `json:"status"`
	EnvHash     string  `json:"env_hash,omitempty"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

func (g *Gateway) handleStartRun(c *okapi.Context) error {
	planID, err := uuid.Parse(c.Param("plan_id"))
	if err != nil {
		return c.AbortBadRequest("invalid plan ID")
	}

	r, err := g.executor.StartRun(c.Context(), planID)
	if err != nil {
		if errors.Is(err, run.ErrPlanNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "plan not found"})
		}
		g.logger.Error("starting run failed",
			slog.String("plan_id", planID.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("starting run failed")
	}

	return c.JSON(http.StatusAccepted, StartRunResponse{
		RunID:  r.ID.String(),
		Status: string(r.Status),
	})
}

func (g *Gateway) handleGetRun(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	r, err := g.executor.Status(c.Context(), id)
	if err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
		}
		return c.AbortInternalServerError("loading run failed")
	}
	return c.OK(toRunResponse(r))
}

func (g *Gateway) handleListRuns(c *okapi.Context) error {
	planID, err := uuid.Parse(c.Param("plan_id"))
	if err != nil {
		return c.AbortBadRequest("invalid plan ID")
	}

	runs, err := g.executor.RunsByPlan(c.Context(), planID)
	if err != nil {
		return c.AbortInternalServerError("listing runs failed")
	}
	resp := make([]RunResponse, len(runs))
	for i := range runs {
		resp[i] = toRunResponse(&runs[i])
	}
	return c.OK(resp)
}

// EventResponse is one durable run event.
type EventResponse struct {
	Kind    string         `json:"kind"`
	TS      string         `json:"ts"`
	Payload map[string]any `json:"payload"`
}

func (g *Gateway) handleListEvents(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	if _, err := g.executor.Status(c.Context(), id); err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
		}
		return c.AbortInternalServerError("loading run failed")
	}

	events, err := g.executor.Events(c.Context(), id)
	if err != nil {
		return c.AbortInternalServerError("listing events failed")
	}
	resp := make([]EventResponse, len(events))
	for i, ev := range events {
		resp[i] = EventResponse{
			Kind:    string(ev.Kind),
			TS:      ev.TS.UTC().Format(time.RFC3339Nano),
			Payload: ev.Payload,
		}
	}
	return c.OK(resp)
}

// SeriesPointResponse is one metric sample.
type SeriesPointResponse struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
	TS    string  `json:"ts"`
}

func (g *Gateway) handleSeries(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	metric := c.Param("metric")
	if metric == "" {
		return c.AbortBadRequest("metric is required")
	}

	points, err := g.executor.Series(c.Context(), id, metric)
	if err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
		}
		return c.AbortInternalServerError("listing series failed")
	}
	resp := make([]SeriesPointResponse, len(points))
	for i, p := range points {
		resp[i] = SeriesPointResponse{
			Step:  p.Step,
			Value: p.Value,
			TS:    p.TS.UTC().Format(time.RFC3339Nano),
		}
	}
	return c.OK(resp)
}

// --- Artifacts ---

// ArtifactURLResponse carries a signed, time-limited download URL.
type ArtifactURLResponse struct {
	URL string `json:"url"`
}

func (g *Gateway) handleArtifactURL(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	name := c.Param("name")
	switch name {
	case run.ArtifactMetrics, run.ArtifactEvents, run.ArtifactLogs:
	default:
		return c.AbortBadRequest("unknown artifact name")
	}

	key := run.ArtifactKey(id, name)
	exists, err := g.blobs.Exists(c.Context(), key)
	if err != nil {
		return c.AbortInternalServerError("checking artifact failed")
	}
	if !exists {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "artifact not found"})
	}

	signed, err := g.blobs.SignedURL(key)
	if err != nil {
		return c.AbortInternalServerError("signing artifact URL failed")
	}
	return c.OK(ArtifactURLResponse{URL: signed})
}

func (g *Gateway) handleBlobDownload(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	signature := r.URL.Query().Get("signature")
	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil || key == "" || signature == "" {
		http.Error(w, "missing signed URL parameters", http.StatusBadRequest)
		return
	}

	if err := g.blobs.Verify(key, signature, expires); err != nil {
		http.Error(w, "invalid or expired signature", http.StatusForbidden)
		return
	}

	data, err := g.blobs.Get(r.Context(), key)
	if err != nil {
		http.Error(w, "blob not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(key))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".jsonl"):
		return "application/jsonl"
	default:
		return "text/plain; charset=utf-8"
	}
}

// --- Health ---

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// --- Helpers ---

func toRunResponse(r *run.Run) RunResponse {
	resp := RunResponse{
		ID:        r.ID.String(),
		PlanID:    r.PlanID.String(),
		Status:    string(r.Status),
		EnvHash:   r.EnvHash,
		Error:     r.Error,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.StartedAt != nil {
		s := r.StartedAt.UTC().Format(time.RFC3339Nano)
		resp.StartedAt = &s
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.UTC().Format(time.RFC3339Nano)
		resp.CompletedAt = &s
	}
	return resp
}


package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/replab-dev/replab/internal/bus"
	"github.com/replab-dev/replab/internal/event"
	"github.com/replab-dev/replab/internal/sandbox"
)

// Config bounds executor behavior.
type Config struct {
	// MaxBudgetMinutes is the hard system ceiling a plan's declared
	// budget is clamped to. Zero = 25.
	MaxBudgetMinutes int
}

const defaultMaxBudgetMinutes = 25

func (c Config) maxBudget() int {
	if c.MaxBudgetMinutes > 0 {
		return c.MaxBudgetMinutes
	}
	return defaultMaxBudgetMinutes
}

// Executor owns run lifecycles. It is the only component that catches
// sandbox errors, maps them to stable codes, and performs state
// transitions — no error kind escapes uncaught.
type Executor struct {
	store    Store
	blobs    ArtifactStore
	plans    PlanResolver
	programs ProgramSource
	runner   sandbox.Runner
	bus      *bus.Bus
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	config   Config
}

// NewExecutor creates a run executor with the given collaborators.
func NewExecutor(
	store Store,
	blobs ArtifactStore,
	plans PlanResolver,
	programs ProgramSource,
	runner sandbox.Runner,
	eventBus *bus.Bus,
	metrics *Metrics,
	logger *slog.Logger,
	config Config,
) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		store:    store,
		blobs:    blobs,
		plans:    plans,
		programs: programs,
		runner:   runner,
		bus:      eventBus,
		metrics:  metrics,
		tracer:   noop.NewTracerProvider().Tracer(""),
		logger:   logger,
		config:   config,
	}
}

// WithTracer attaches an OTel tracer for per-run spans. Nil-safe.
func (e *Executor) WithTracer(tracer trace.Tracer) *Executor {
	if tracer != nil {
		e.tracer = tracer
	}
	return e
}

// StartRun creates a run in pending, schedules orchestration in the
// background, and returns immediately. Resolving the plan document is the
// only synchronous step, so callers can surface ErrPlanNotFound directly.
func (e *Executor) StartRun(ctx context.Context, planID uuid.UUID) (*Run, error) {
	plan, err := e.plans.Resolve(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("resolving plan %s: %w", planID, err)
	}

	now := time.Now().UTC()
	r := &Run{
		ID:        uuid.New(),
		PlanID:    planID,
		Status:    StatusPending,
		EnvHash:   plan.EnvHash,
		CreatedAt: now,
	}
	if err := e.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	e.bus.Register(r.ID.String())
	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
	}

	e.logger.InfoContext(ctx, "run scheduled",
		slog.String("run_id", r.ID.String()),
		slog.String("plan_id", planID.String()),
		slog.Int("budget_minutes", plan.BudgetMinutes),
		slog.Int("seed", plan.Seed),
	)

	// The run outlives the request; keep trace/log values, drop cancellation.
	go e.orchestrate(context.WithoutCancel(ctx), r, plan)

	return r, nil
}

// Status returns the current state of a run.
func (e *Executor) Status(ctx context.Context, runID uuid.UUID) (*Run, error) {
	return e.store.GetRun(ctx, runID)
}

// RunsByPlan returns every run recorded for a plan, oldest first.
func (e *Executor) RunsByPlan(ctx context.Context, planID uuid.UUID) ([]Run, error) {
	return e.store.ListRunsByPlan(ctx, planID)
}

// Events returns the durable event log of a run.
func (e *Executor) Events(ctx context.Context, runID uuid.UUID) ([]Event, error) {
	return e.store.ListEvents(ctx, runID)
}

// Series returns the persisted samples of one run metric. A run that was
// never recorded is ErrRunNotFound, distinct from a run that simply never
// reported the metric (empty slice).
func (e *Executor) Series(ctx context.Context, runID uuid.UUID, metric string) ([]SeriesPoint, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListSeries(ctx, runID, metric)
}

// execOutcome carries the worker goroutine's result across the boundary.
type execOutcome struct {
	result *sandbox.Result
	err    error
}

// emitMsg is the typed message the sandbox worker passes to the
// orchestration goroutine instead of calling through layers.
type emitMsg struct {
	kind    event.Kind
	payload map[string]any
}

// orchestrate drives one run to a terminal state. It always closes the
// bus channel as its last action, whatever happens before.
func (e *Executor) orchestrate(ctx context.Context, r *Run, plan *ResolvedPlan) {
	runID := r.ID.String()
	state := newRunState()

	ctx, span := e.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("plan.id", r.PlanID.String()),
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("run orchestration panicked",
				slog.String("run_id", runID),
				slog.Any("panic", rec),
			)
			e.failRun(ctx, r, state, CodeUnexpectedError, fmt.Sprintf("internal error: %v", rec))
		}
		// Last action, always: end the live stream.
		e.bus.Close(runID)
		if e.metrics != nil {
			e.metrics.ActiveRuns.Dec()
		}
	}()

	// The executable artifact is part of plan resolution: failure here
	// moves the run straight to failed without entering running.
	program, err := e.programs.FetchProgram(ctx, r.PlanID)
	if err != nil {
		e.failRun(ctx, r, state, CodeUnexpectedError, fmt.Sprintf("fetching program: %v", err))
		return
	}

	now := time.Now().UTC()
	r.Status = StatusRunning
	r.StartedAt = &now
	if err := e.store.UpdateRun(ctx, r); err != nil {
		e.failRun(ctx, r, state, CodeUnexpectedError, fmt.Sprintf("persisting run start: %v", err))
		return
	}

	e.forward(ctx, r, state, event.KindStageUpdate, map[string]any{"stage": event.StageRunStart, "run_id": runID})
	e.forward(ctx, r, state, event.KindProgress, map[string]any{"percent": 0})

	deadline := e.clampBudget(plan.BudgetMinutes)
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// The sandbox runs synchronously in its own goroutine and passes
	// events back over a channel; this goroutine stays responsive.
	emitCh := make(chan emitMsg, 256)
	done := make(chan execOutcome, 1)
	go func() {
		res, execErr := e.runner.Execute(execCtx, sandbox.ExecutionRequest{
			Program: program,
			Seed:    plan.Seed,
			Env:     plan.Env,
			Emit: func(kind event.Kind, payload map[string]any) {
				emitCh <- emitMsg{kind: kind, payload: payload}
			},
		})
		close(emitCh)
		done <- execOutcome{result: res, err: execErr}
	}()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for msg := range emitCh {
			e.forward(ctx, r, state, msg.kind, msg.payload)
		}
	}()

	var outcome execOutcome
	select {
	case outcome = <-done:
		<-drained
	case <-execCtx.Done():
		// Deadline enforcement is ours, not the sandbox's: proceed with
		// cleanup whether or not the worker has actually stopped. The
		// drain goroutine keeps consuming whatever the worker still emits.
		outcome = execOutcome{err: context.DeadlineExceeded}
	}

	if outcome.err != nil {
		code, msg := classify(outcome.err)
		e.failRun(ctx, r, state, code, msg)
		return
	}

	e.succeedRun(ctx, r, state, outcome.result)
}

// succeedRun performs running → succeeded: artifacts, timestamps, closing
// events, in that order.
func (e *Executor) succeedRun(ctx context.Context, r *Run, state *runState, result *sandbox.Result) {
	artifacts := map[string]struct {
		data        string
		contentType string
	}{
		ArtifactMetrics: {result.Metrics, "application/json"},
		ArtifactEvents:  {result.Events, "application/jsonl"},
		ArtifactLogs:    {result.Logs, "text/plain"},
	}
	for _, name := range []string{ArtifactMetrics, ArtifactEvents, ArtifactLogs} {
		a := artifacts[name]
		if err := e.blobs.Put(ctx, ArtifactKey(r.ID, name), []byte(a.data), a.contentType); err != nil {
			e.failRun(ctx, r, state, CodeUnexpectedError, fmt.Sprintf("persisting %s: %v", name, err))
			return
		}
	}

	now := time.Now().UTC()
	r.Status = StatusSucceeded
	r.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, r); err != nil {
		// The run did succeed; the stale record is repaired by the janitor.
		e.logger.Error("persisting run completion failed",
			slog.String("run_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	e.forward(ctx, r, state, event.KindStageUpdate, map[string]any{"stage": event.StageRunComplete})
	e.forward(ctx, r, state, event.KindProgress, map[string]any{"percent": 100})

	e.observeTerminal(r, StatusSucceeded, "")
	e.logger.InfoContext(ctx, "run succeeded",
		slog.String("run_id", r.ID.String()),
		slog.Duration("duration", result.Duration),
	)
}

// failRun performs the transition to failed from any prior state: emits
// stage_update(run_error) plus exactly one coded error event, best-effort
// persists partial artifacts, and records the terminal status. Persistence
// failures are logged, never allowed to block the terminal transition.
func (e *Executor) failRun(ctx context.Context, r *Run, state *runState, code, msg string) {
	if r.Status.Terminal() {
		return // Transition already performed; nothing to do.
	}

	e.forward(ctx, r, state, event.KindStageUpdate, map[string]any{"stage": event.StageRunError})
	e.forward(ctx, r, state, event.KindError, map[string]any{"message": msg, "code": code})

	// Partial logs (and events) observed so far; metrics may be absent.
	emitWarning := func(kind event.Kind, payload map[string]any) {
		e.forward(ctx, r, state, kind, payload)
	}
	logsText, eventsText := state.snapshot()
	logsText = sandbox.Truncate(logsText, sandbox.DefaultLogsCapBytes, ArtifactLogs, emitWarning)
	eventsText = sandbox.Truncate(eventsText, sandbox.DefaultEventsCapBytes, ArtifactEvents, emitWarning)
	if logsText != "" {
		if err := e.blobs.Put(ctx, ArtifactKey(r.ID, ArtifactLogs), []byte(logsText), "text/plain"); err != nil {
			e.logger.Warn("persisting partial logs failed",
				slog.String("run_id", r.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if eventsText != "" {
		if err := e.blobs.Put(ctx, ArtifactKey(r.ID, ArtifactEvents), []byte(eventsText), "application/jsonl"); err != nil {
			e.logger.Warn("persisting partial events failed",
				slog.String("run_id", r.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	now := time.Now().UTC()
	r.Status = StatusFailed
	r.Error = code + ": " + msg
	r.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, r); err != nil {
		e.logger.Error("persisting run failure failed",
			slog.String("run_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	e.observeTerminal(r, StatusFailed, code)
	e.logger.WarnContext(ctx, "run failed",
		slog.String("run_id", r.ID.String()),
		slog.String("code", code),
		slog.String("error", msg),
	)
}

// forward routes one event to the bus and the durable log, plus the metric
// time-series for metric_update. Malformed recognized events indicate a
// sandbox contract bug; they are dropped with a warning rather than
// failing the run.
func (e *Executor) forward(ctx context.Context, r *Run, state *runState, kind event.Kind, payload map[string]any) {
	normalized, err := event.Normalize(kind, payload)
	if err != nil {
		e.logger.Warn("dropping malformed event",
			slog.String("run_id", r.ID.String()),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return
	}

	state.observe(kind, normalized)
	e.bus.Publish(r.ID.String(), kind, normalized)

	ev := &Event{
		ID:      uuid.New(),
		RunID:   r.ID,
		TS:      time.Now().UTC(),
		Kind:    kind,
		Payload: normalized,
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn("appending run event failed",
			slog.String("run_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	if kind == event.KindMetricUpdate {
		metric, _ := normalized["metric"].(string)
		value, ok := normalized["value"].(float64)
		if metric != "" && ok {
			point := &SeriesPoint{
				RunID:  r.ID,
				Metric: metric,
				Step:   state.nextStep(metric),
				Value:  value,
				TS:     ev.TS,
			}
			if err := e.store.AppendSeriesPoint(ctx, point); err != nil {
				e.logger.Warn("appending series point failed",
					slog.String("run_id", r.ID.String()),
					slog.String("metric", metric),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if e.metrics != nil {
		e.metrics.EventsPublished.Inc()
	}
}

func (e *Executor) observeTerminal(r *Run, status Status, code string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	if code != "" {
		e.metrics.FailuresTotal.WithLabelValues(code).Inc()
	}
	if r.StartedAt != nil && r.CompletedAt != nil {
		e.metrics.RunDuration.WithLabelValues(string(status)).Observe(r.CompletedAt.Sub(*r.StartedAt).Seconds())
	}
}

// clampBudget converts the plan's declared budget into the enforcement
// deadline, clamped to [1, MaxBudgetMinutes] minutes.
func (e *Executor) clampBudget(minutes int) time.Duration {
	ceiling := e.config.maxBudget()
	if minutes < 1 {
		minutes = 1
	}
	if minutes > ceiling {
		minutes = ceiling
	}
	return time.Duration(minutes) * time.Minute
}

// classify maps a sandbox-boundary error onto the stable failure taxonomy.
func classify(err error) (code, msg string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeRunTimeout, "run exceeded its compute budget"
	case errors.Is(err, sandbox.ErrGPURequested):
		return CodeGPURequested, err.Error()
	}
	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) {
		return CodeExecutionError, execErr.Error()
	}
	return CodeUnexpectedError, err.Error()
}

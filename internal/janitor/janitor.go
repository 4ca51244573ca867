// Package janitor implements scheduled housekeeping: evicting closed
// event-bus histories past their retention window and failing runs left
// in running state by a crashed process.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/replab-dev/replab/internal/bus"
	"github.com/replab-dev/replab/internal/config"
	"github.com/replab-dev/replab/internal/event"
	"github.com/replab-dev/replab/internal/run"
)

// Janitor sweeps on a cron schedule. Both sweeps are idempotent, so an
// overlapping or repeated sweep is harmless.
type Janitor struct {
	store  run.Store
	bus    *bus.Bus
	config *config.JanitorConfig
	logger *slog.Logger
	cron   *cron.Cron

	now func() time.Time // For tests.
}

// New creates a Janitor. cfg must carry defaults already applied.
func New(store run.Store, b *bus.Bus, cfg *config.JanitorConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:  store,
		bus:    b,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start schedules the sweep and returns a stop function. The first sweep
// runs on schedule, not immediately; call Sweep directly for an eager pass.
func (j *Janitor) Start() (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(j.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		j.Sweep(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", j.config.Schedule, err)
	}
	j.cron = c
	c.Start()

	j.logger.Info("janitor started",
		slog.String("schedule", j.config.Schedule),
		slog.Int("history_ttl_minutes", j.config.HistoryTTLMinutes),
		slog.Int("stale_after_minutes", j.config.StaleAfterMinutes),
	)

	return func() {
		<-c.Stop().Done()
		j.logger.Info("janitor stopped")
	}, nil
}

// Sweep runs both housekeeping passes once.
func (j *Janitor) Sweep(ctx context.Context) {
	j.evictHistories(ctx)
	j.failStaleRuns(ctx)
}

// evictHistories drops bus histories of runs that finished longer than
// HistoryTTL ago. Subscribers attached mid-eviction keep whatever they
// already received; the durable event log stays authoritative.
func (j *Janitor) evictHistories(ctx context.Context) {
	cutoff := j.now().Add(-time.Duration(j.config.HistoryTTLMinutes) * time.Minute)

	var evicted int
	for _, idStr := range j.bus.Runs() {
		if !j.bus.Closed(idStr) {
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			j.bus.Evict(idStr)
			evicted++
			continue
		}
		r, err := j.store.GetRun(ctx, id)
		if err != nil {
			// Closed history with no durable run backing it. Drop it.
			j.bus.Evict(idStr)
			evicted++
			continue
		}
		if r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			j.bus.Evict(idStr)
			evicted++
		}
	}

	if evicted > 0 {
		j.logger.Info("evicted expired run histories", slog.Int("count", evicted))
	}
}

// failStaleRuns marks runs stuck in running state as failed. These are
// leftovers from a process that died mid-run; their streams never closed
// and their terminal transition never happened.
func (j *Janitor) failStaleRuns(ctx context.Context) {
	cutoff := j.now().Add(-time.Duration(j.config.StaleAfterMinutes) * time.Minute)

	stale, err := j.store.ListStaleRunning(ctx, cutoff)
	if err != nil {
		j.logger.Error("listing stale runs failed", slog.String("error", err.Error()))
		return
	}

	for i := range stale {
		r := &stale[i]
		j.failRun(ctx, r)
	}

	if len(stale) > 0 {
		j.logger.Warn("repaired stale runs", slog.Int("count", len(stale)))
	}
}

func (j *Janitor) failRun(ctx context.Context, r *run.Run) {
	now := j.now().UTC()
	msg := "run abandoned: executor exited before completion"

	ev := &run.Event{
		ID:    uuid.New(),
		RunID: r.ID,
		TS:    now,
		Kind:  event.KindError,
		Payload: map[string]any{
			"code":    run.CodeUnexpectedError,
			"message": msg,
		},
	}
	if err := j.store.AppendEvent(ctx, ev); err != nil {
		j.logger.Error("recording abandonment event failed",
			slog.String("run_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	r.Status = run.StatusFailed
	r.Error = fmt.Sprintf("%s: %s", run.CodeUnexpectedError, msg)
	r.CompletedAt = &now
	if err := j.store.UpdateRun(ctx, r); err != nil {
		j.logger.Error("failing stale run failed",
			slog.String("run_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	// End any stream still hanging off the dead run.
	j.bus.Close(r.ID.String())

	j.logger.Warn("failed stale run",
		slog.String("run_id", r.ID.String()),
		slog.Time("started_at", derefTime(r.StartedAt)),
	)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

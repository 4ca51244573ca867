package run

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrPlanNotFound is returned by PlanResolver when the plan does not exist.
var ErrPlanNotFound = errors.New("plan not found")

// ErrRunNotFound is returned by Store implementations for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// ResolvedPlan is the subset of a validated plan document this core reads.
type ResolvedPlan struct {
	ID            uuid.UUID
	Seed          int
	BudgetMinutes int               // Declared compute budget; clamped by the executor.
	EnvHash       string            // Content hash of the resolved environment.
	Env           map[string]string // Plan-declared environment variables.
}

// PlanResolver resolves a validated plan document. Plan generation and
// schema validation happen upstream; this core only reads the policy fields.
type PlanResolver interface {
	Resolve(ctx context.Context, planID uuid.UUID) (*ResolvedPlan, error)
}

// ProgramSource downloads a plan's pre-generated executable artifact.
type ProgramSource interface {
	FetchProgram(ctx context.Context, planID uuid.UUID) ([]byte, error)
}

// Store persists runs, their append-only event log, and metric series.
// Implementations: GORM-backed (sqlite/postgres) or in-memory.
type Store interface {
	CreateRun(ctx context.Context, r *Run) error
	UpdateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	ListRunsByPlan(ctx context.Context, planID uuid.UUID) ([]Run, error)

	// AppendEvent inserts one event record. Events are never mutated.
	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, runID uuid.UUID) ([]Event, error)

	// AppendSeriesPoint inserts one metric time-series sample.
	AppendSeriesPoint(ctx context.Context, p *SeriesPoint) error
	ListSeries(ctx context.Context, runID uuid.UUID, metric string) ([]SeriesPoint, error)

	// ListStaleRunning returns runs still marked running whose start is
	// older than the cutoff — leftovers from a crashed process.
	ListStaleRunning(ctx context.Context, olderThan time.Time) ([]Run, error)
}

// ArtifactStore is the write-through persistence the executor needs for
// run artifacts. The blob package provides the full store; this is the
// executor's view of it.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

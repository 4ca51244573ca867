// Package run implements the run lifecycle: a strict state machine that
// drives the execution sandbox under a deadline, forwards telemetry to the
// event bus and the durable log, persists artifacts, and maps every failure
// onto a stable error code.
package run

import (
	"time"

	"github.com/google/uuid"

	"github.com/replab-dev/replab/internal/event"
)

// Status is the lifecycle state of a run. Transitions are monotonic and
// one-directional: pending → running → {succeeded, failed}. A run whose
// plan fails to resolve goes straight from pending to failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Stable error codes for failed runs. Exactly one coded error event is
// emitted per failing run, always preceded by stage_update(run_error).
const (
	CodeRunTimeout      = "run_timeout"      // Deadline elapsed before the sandbox returned.
	CodeGPURequested    = "gpu_requested"    // Forbidden GPU access requested; zero units ran.
	CodeExecutionError  = "execution_error"  // A unit raised, or metrics was never produced.
	CodeUnexpectedError = "unexpected_error" // Anything unclassified; best-effort cleanup still runs.
)

// Run is one execution attempt of a plan-derived program.
// Created once; only status, timestamps, env hash, and error mutate.
type Run struct {
	ID          uuid.UUID
	PlanID      uuid.UUID
	Status      Status
	EnvHash     string // Content hash of the resolved environment.
	Error       string // Stable code + message for failed runs.
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Event is one ordered, append-only telemetry record of a run.
// Timestamps within a run are non-decreasing (single producer).
type Event struct {
	ID      uuid.UUID
	RunID   uuid.UUID
	TS      time.Time
	Kind    event.Kind
	Payload map[string]any
}

// SeriesPoint is one sample of a run metric time-series. metric_update
// events fan out here in addition to the raw event log, since metrics are
// queried independently.
type SeriesPoint struct {
	RunID  uuid.UUID
	Metric string
	Step   int
	Value  float64
	TS     time.Time
}

// Artifact names under the per-run blob namespace runs/<run_id>/.
const (
	ArtifactMetrics = "metrics.json"
	ArtifactEvents  = "events.jsonl"
	ArtifactLogs    = "logs.txt"
)

// ArtifactKey returns the blob key for one of a run's artifacts.
func ArtifactKey(runID uuid.UUID, name string) string {
	return "runs/" + runID.String() + "/" + name
}

// ProgramKey returns the blob key of a plan's executable artifact.
func ProgramKey(planID uuid.UUID) string {
	return "plans/" + planID.String() + "/program.json"
}

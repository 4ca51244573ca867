// Package sandbox executes a materialized run program in an isolated
// environment: one interpreter subprocess per unit, a private working
// directory, a sanitized environment, deterministic seeding, and CPU-only
// enforcement. All generated code runs through the sandbox — never directly
// in the host process.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/replab-dev/replab/internal/event"
)

// EmitFunc receives telemetry as execution proceeds. Implementations must
// be cheap and non-blocking; the runner calls it from the worker goroutine.
type EmitFunc func(kind event.Kind, payload map[string]any)

// Runner executes a run program to completion or to its first unit error.
type Runner interface {
	Execute(ctx context.Context, req ExecutionRequest) (*Result, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Program is the executable artifact: a JSON document of ordered units.
	Program []byte

	// Seed drives every randomness source so identical (program, seed)
	// pairs reproduce identical metrics byte-for-byte.
	Seed int

	// Env adds plan-declared environment variables on top of the sandbox's
	// minimal safe set. A GPU request in here fails the run up front.
	Env map[string]string

	// Emit receives events as they occur. Nil = telemetry discarded.
	Emit EmitFunc
}

// Result carries the three run artifacts. Events includes everything
// emitted during execution, sandbox- and unit-level alike.
type Result struct {
	Metrics  string // Required JSON document, written once by the program.
	Events   string // JSONL concatenation of all emitted events. Truncatable.
	Logs     string // Free-text output lines. Truncatable.
	Duration time.Duration
}

// ErrGPURequested signals an explicit GPU request in CPU-only mode.
// Detected before any unit executes; never a silent fallback.
var ErrGPURequested = errors.New("GPU requested but CPU-only execution is enforced")

// ExecutionError reports a unit that raised, or a program that finished
// without producing its required metrics artifact. Output preserves the
// offending error text verbatim.
type ExecutionError struct {
	Unit   int    // 1-based index of the failing unit; 0 = postcondition failure.
	Output string // Error text from the interpreter.
	Err    error  // Underlying cause, when one exists.
}

func (e *ExecutionError) Error() string {
	if e.Unit > 0 {
		return fmt.Sprintf("unit %d failed: %s", e.Unit, e.Output)
	}
	return e.Output
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// interruptCause distinguishes a caller-imposed deadline from a unit error.
// The runner returns ctx.Err() wrapped so the orchestrator can classify.
func interruptCause(ctx context.Context, unit int) error {
	return fmt.Errorf("unit %d interrupted: %w", unit, context.Cause(ctx))
}

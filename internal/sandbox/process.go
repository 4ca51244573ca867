package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/replab-dev/replab/internal/event"
)

const (
	// maxUnitOutputBytes caps per-unit stdout/stderr to prevent OOM from
	// chatty programs. The artifact-level caps apply separately at the end.
	maxUnitOutputBytes = 1 << 20 // 1 MB

	defaultInterpreter = "python3"

	// Files the generated program writes into its working directory.
	metricsFile = "metrics.json"
	eventsFile  = "events.jsonl"
	logsFile    = "logs.txt"

	// seedPreludeFile is imported automatically by the Python runtime at
	// interpreter startup (via the site module) because the working
	// directory is on PYTHONPATH. Non-Python interpreters ignore it.
	seedPreludeFile = "sitecustomize.py"
)

// seedPrelude seeds the interpreter's PRNGs from REPLAB_SEED before any
// unit code runs, so units that never seed themselves still produce
// identical outputs for identical seeds. Library imports are guarded:
// only what the environment actually ships gets seeded.
const seedPrelude = `import os
import random

_seed = int(os.environ.get("REPLAB_SEED", "0"))
random.seed(_seed)

try:
    import numpy
    numpy.random.seed(_seed)
except ImportError:
    pass

try:
    import torch
    torch.manual_seed(_seed)
except ImportError:
    pass
`

// ProcessConfig configures the process-based runner.
type ProcessConfig struct {
	Interpreter    string // Default interpreter for programs that declare none.
	MaxOutputBytes int    // Per-unit output cap. Zero = 1 MB.
	LogsCapBytes   int    // Logs artifact ceiling. Zero = 2 MiB.
	EventsCapBytes int    // Events artifact ceiling. Zero = 5 MiB.
}

// ProcessRunner executes each program unit as an isolated OS process.
//
// Guarantees:
//   - Each execution gets its own working directory (removed after)
//   - Units run in their own process group, killed on context cancel
//   - No environment inheritance — only a minimal seeded set
//   - An explicit GPU request fails before any unit runs
//   - Per-unit output capped; artifacts capped with in-band truncation markers
type ProcessRunner struct {
	interpreter string
	maxOutput   int
	logsCap     int
	eventsCap   int
	logger      *slog.Logger
}

// NewProcessRunner creates a process-based runner.
func NewProcessRunner(cfg ProcessConfig, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = defaultInterpreter
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput == 0 {
		maxOutput = maxUnitOutputBytes
	}
	logsCap := cfg.LogsCapBytes
	if logsCap == 0 {
		logsCap = DefaultLogsCapBytes
	}
	eventsCap := cfg.EventsCapBytes
	if eventsCap == 0 {
		eventsCap = DefaultEventsCapBytes
	}
	return &ProcessRunner{
		interpreter: interpreter,
		maxOutput:   maxOutput,
		logsCap:     logsCap,
		eventsCap:   eventsCap,
		logger:      logger,
	}
}

// Execute runs the program unit-by-unit to completion or first failure.
// The caller bounds the call with a context deadline; on cancellation the
// current unit's process group is killed and ctx's cause is returned.
func (r *ProcessRunner) Execute(ctx context.Context, req ExecutionRequest) (*Result, error) {
	prog, err := ParseProgram(req.Program)
	if err != nil {
		return nil, err
	}

	// CPU-only gate, before anything else runs. The sandbox environment is
	// built from scratch, so the plan's declared env is the only GPU vector.
	if prog.RequiresGPU {
		return nil, fmt.Errorf("program declares requires_gpu: %w", ErrGPURequested)
	}
	if v, ok := req.Env["CUDA_VISIBLE_DEVICES"]; ok && v != "" && v != "-1" {
		return nil, fmt.Errorf("plan env sets CUDA_VISIBLE_DEVICES=%s: %w", v, ErrGPURequested)
	}

	rec := &emitRecorder{emit: req.Emit}

	workDir, err := os.MkdirTemp("", "replab-run-*")
	if err != nil {
		return nil, fmt.Errorf("creating run working directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			r.logger.Warn("failed to remove run working directory",
				slog.String("dir", workDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	interpreter := prog.Interpreter
	if interpreter == "" {
		interpreter = r.interpreter
	}

	if err := os.WriteFile(filepath.Join(workDir, seedPreludeFile), []byte(seedPrelude), 0600); err != nil {
		return nil, fmt.Errorf("writing seed prelude: %w", err)
	}

	rec.record(event.KindLogLine, map[string]any{
		"message": fmt.Sprintf("Environment: %s, CPU-only mode", interpreter),
	})
	rec.record(event.KindStageUpdate, map[string]any{"stage": event.StageSeedCheck, "seed": req.Seed})

	r.logger.Info("sandbox executing program",
		slog.Int("units", len(prog.Units)),
		slog.Int("seed", req.Seed),
		slog.String("interpreter", interpreter),
		slog.String("dir", workDir),
	)

	var logs []string
	eventsPath := filepath.Join(workDir, eventsFile)
	processed := 0
	total := len(prog.Units)
	start := time.Now()

	for i, unit := range prog.Units {
		index := i + 1
		rec.record(event.KindProgress, map[string]any{"percent": (i * 100) / total})

		unitPath := filepath.Join(workDir, unit.label(index))
		if err := os.WriteFile(unitPath, []byte(unit.Source), 0600); err != nil {
			return nil, fmt.Errorf("writing %s: %w", unit.label(index), err)
		}

		stdout, stderr, runErr := r.runUnit(ctx, interpreter, unitPath, workDir, req.Seed, req.Env)

		logs = replayOutput(stdout, logs, rec)
		if runErr != nil {
			logs = replayOutput(stderr, logs, rec)
			processed = flushProgramEvents(eventsPath, rec, processed)
			if ctx.Err() != nil {
				return nil, interruptCause(ctx, index)
			}
			text := strings.TrimSpace(stderr)
			if text == "" {
				text = runErr.Error()
			}
			return nil, &ExecutionError{Unit: index, Output: text}
		}

		processed = flushProgramEvents(eventsPath, rec, processed)
		rec.record(event.KindProgress, map[string]any{"percent": (index * 100) / total})
	}

	// Success postcondition: the program must have produced its metrics.
	metricsRaw, err := os.ReadFile(filepath.Join(workDir, metricsFile))
	if err != nil {
		return nil, &ExecutionError{Output: fmt.Sprintf("%s not produced by program", metricsFile)}
	}

	flushProgramEvents(eventsPath, rec, processed)

	// The program may also have written free-text lines of its own.
	if raw, err := os.ReadFile(filepath.Join(workDir, logsFile)); err == nil {
		for _, line := range strings.Split(string(raw), "\n") {
			if strings.TrimSpace(line) != "" {
				logs = append(logs, line)
			}
		}
	}

	logsText := strings.Join(logs, "\n")
	if logsText != "" {
		logsText += "\n"
	}
	eventsText := rec.artifact()

	// Size governance runs once, after execution. Warnings reach live
	// subscribers and the durable log but not the already-snapshotted artifact.
	logsText = Truncate(logsText, r.logsCap, logsFile, req.Emit)
	eventsText = Truncate(eventsText, r.eventsCap, eventsFile, req.Emit)

	duration := time.Since(start)
	r.logger.Info("sandbox execution completed",
		slog.Int("units", total),
		slog.Duration("duration", duration),
		slog.Int("logs_bytes", len(logsText)),
		slog.Int("events_bytes", len(eventsText)),
	)

	return &Result{
		Metrics:  string(metricsRaw),
		Events:   eventsText,
		Logs:     logsText,
		Duration: duration,
	}, nil
}

// runUnit executes one unit in its own process group with a sanitized,
// seeded environment and capped output.
func (r *ProcessRunner) runUnit(ctx context.Context, interpreter, unitPath, workDir string, seed int, extra map[string]string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, interpreter, unitPath)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = buildEnv(workDir, seed, extra)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: r.maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: r.maxOutput}

	err = cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}

// buildEnv constructs the minimal sandbox environment. The host environment
// is never inherited; determinism and CPU-only enforcement are baked in.
func buildEnv(workDir string, seed int, extra map[string]string) []string {
	// The workdir leads PYTHONPATH so the seed prelude always loads first.
	pythonPath := workDir
	if v, ok := extra["PYTHONPATH"]; ok && v != "" {
		pythonPath += ":" + v
	}
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		fmt.Sprintf("REPLAB_SEED=%d", seed),
		fmt.Sprintf("PYTHONHASHSEED=%d", seed),
		"PYTHONPATH=" + pythonPath,
		"PYTHONDONTWRITEBYTECODE=1",
		"CUDA_VISIBLE_DEVICES=-1",
	}
	for k, v := range extra {
		if k == "CUDA_VISIBLE_DEVICES" || k == "PYTHONPATH" {
			continue // Merged or enforced above; never appended raw.
		}
		env = append(env, k+"="+v)
	}
	return env
}

// replayOutput turns captured interpreter output into ordered log_line
// events, skipping blank lines.
func replayOutput(output string, logs []string, rec *emitRecorder) []string {
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		logs = append(logs, line)
		rec.record(event.KindLogLine, map[string]any{"message": line})
	}
	return logs
}

// flushProgramEvents streams new JSONL events written by the program to the
// emit sink so subscribers see them promptly, not only at the end. Returns
// the new processed-line count. Malformed lines are skipped.
func flushProgramEvents(path string, rec *emitRecorder, processed int) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return processed
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	for _, line := range lines[min(processed, len(lines)):] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			continue
		}
		kind, ok := payload["type"].(string)
		if !ok {
			continue
		}
		delete(payload, "type")
		rec.record(event.Kind(kind), payload)
	}
	return len(lines)
}

// emitRecorder forwards events to the caller's sink and accumulates the
// events artifact: one JSON line per event, tagged with its kind.
type emitRecorder struct {
	emit EmitFunc
	buf  strings.Builder
}

func (r *emitRecorder) record(kind event.Kind, payload map[string]any) {
	if r.emit != nil {
		r.emit(kind, payload)
	}
	line := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		line[k] = v
	}
	line["type"] = string(kind)
	raw, err := json.Marshal(line) // Map keys marshal sorted: deterministic output.
	if err != nil {
		return
	}
	r.buf.Write(raw)
	r.buf.WriteByte('\n')
}

func (r *emitRecorder) artifact() string {
	return r.buf.String()
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is discarded, not an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if lw.remaining <= 0 {
		return total, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	// Report the full length so callers never see a short write.
	return total, nil
}

// compile-time interface check
var _ Runner = (*ProcessRunner)(nil)

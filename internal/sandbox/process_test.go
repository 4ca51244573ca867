package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/replab-dev/replab/internal/event"
)

// emitLog captures emitted events in order.
type emitLog struct {
	events []event.Event
}

func (l *emitLog) emit(kind event.Kind, payload map[string]any) {
	l.events = append(l.events, event.Event{Kind: kind, Payload: payload})
}

func (l *emitLog) kinds() []event.Kind {
	out := make([]event.Kind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *emitLog) percents() []int {
	var out []int
	for _, ev := range l.events {
		if ev.Kind != event.KindProgress {
			continue
		}
		switch v := ev.Payload["percent"].(type) {
		case int:
			out = append(out, v)
		case float64:
			out = append(out, int(v))
		}
	}
	return out
}

func shProgram(t *testing.T, units ...string) []byte {
	t.Helper()
	prog := Program{FormatVersion: 1, Interpreter: "/bin/sh"}
	for _, src := range units {
		prog.Units = append(prog.Units, Unit{Source: src})
	}
	raw, err := json.Marshal(prog)
	if err != nil {
		t.Fatalf("marshaling program: %v", err)
	}
	return raw
}

func TestProcessRunner_Success(t *testing.T) {
	runner := NewProcessRunner(ProcessConfig{}, nil)
	log := &emitLog{}

	program := shProgram(t,
		`echo "loading dataset"`,
		`printf '{"type":"stage_update","stage":"train"}\n' >> events.jsonl
printf '{"type":"metric_update","metric":"accuracy","value":0.9}\n' >> events.jsonl
echo "training done"`,
		`printf '{"accuracy":0.9}' > metrics.json`,
	)

	result, err := runner.Execute(context.Background(), ExecutionRequest{
		Program: program,
		Seed:    42,
		Emit:    log.emit,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var metrics map[string]float64
	if err := json.Unmarshal([]byte(result.Metrics), &metrics); err != nil {
		t.Fatalf("metrics not valid JSON: %v", err)
	}
	if metrics["accuracy"] != 0.9 {
		t.Errorf("accuracy = %v, want 0.9", metrics["accuracy"])
	}

	if got := log.percents(); len(got) != 6 || got[0] != 0 || got[len(got)-1] != 100 {
		t.Errorf("progress percents = %v, want 0..100 across 3 units", got)
	}

	if !strings.Contains(result.Logs, "loading dataset") || !strings.Contains(result.Logs, "training done") {
		t.Errorf("logs missing unit output: %q", result.Logs)
	}

	// The events artifact carries sandbox- and program-level events.
	if !strings.Contains(result.Events, `"type":"progress"`) {
		t.Errorf("events artifact missing sandbox events: %q", result.Events)
	}
	if !strings.Contains(result.Events, `"metric":"accuracy"`) {
		t.Errorf("events artifact missing program events: %q", result.Events)
	}

	// Program-written events were forwarded live.
	var sawTrain bool
	for _, ev := range log.events {
		if ev.Kind == event.KindStageUpdate && ev.Payload["stage"] == "train" {
			sawTrain = true
		}
	}
	if !sawTrain {
		t.Error("program-emitted stage_update(train) not forwarded")
	}
}

func TestProcessRunner_UnitError(t *testing.T) {
	runner := NewProcessRunner(ProcessConfig{}, nil)
	log := &emitLog{}

	program := shProgram(t,
		`echo "unit one"`,
		`echo "about to fail"; echo "division by zero" >&2; exit 1`,
		`printf '{"accuracy":1.0}' > metrics.json`,
	)

	_, err := runner.Execute(context.Background(), ExecutionRequest{
		Program: program,
		Seed:    7,
		Emit:    log.emit,
	})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want *ExecutionError", err)
	}
	if execErr.Unit != 2 {
		t.Errorf("failing unit = %d, want 2", execErr.Unit)
	}
	if !strings.Contains(execErr.Output, "division by zero") {
		t.Errorf("error text = %q, want offending stderr", execErr.Output)
	}

	// Output captured before the failure was replayed; unit 3 never ran.
	var sawAboutToFail bool
	for _, ev := range log.events {
		if ev.Kind == event.KindLogLine && ev.Payload["message"] == "about to fail" {
			sawAboutToFail = true
		}
	}
	if !sawAboutToFail {
		t.Error("failing unit's printed output not replayed as log_line")
	}
	for _, p := range log.percents() {
		if p == 100 {
			t.Error("progress(100) emitted despite failure")
		}
	}
}

func TestProcessRunner_MissingMetrics(t *testing.T) {
	runner := NewProcessRunner(ProcessConfig{}, nil)

	program := shProgram(t, `echo "did everything except metrics"`)
	_, err := runner.Execute(context.Background(), ExecutionRequest{Program: program, Seed: 1})

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want *ExecutionError", err)
	}
	if !strings.Contains(execErr.Output, "metrics.json") {
		t.Errorf("error = %q, want missing-metrics message", execErr.Output)
	}
}

func TestProcessRunner_GPURequested(t *testing.T) {
	runner := NewProcessRunner(ProcessConfig{}, nil)
	log := &emitLog{}

	prog := Program{
		FormatVersion: 1,
		Interpreter:   "/bin/sh",
		RequiresGPU:   true,
		Units:         []Unit{{Source: `echo "should never run"`}},
	}
	raw, _ := json.Marshal(prog)

	_, err := runner.Execute(context.Background(), ExecutionRequest{Program: raw, Seed: 1, Emit: log.emit})
	if !errors.Is(err, ErrGPURequested) {
		t.Fatalf("err = %v, want ErrGPURequested", err)
	}
	if len(log.events) != 0 {
		t.Errorf("%d events emitted before GPU refusal, want 0", len(log.events))
	}
}

func TestProcessRunner_GPURequestedViaEnv(t *testing.T) {
	runner := NewProcessRunner(ProcessConfig{}, nil)

	program := shProgram(t, `echo hi`)
	_, err := runner.Execute(context.Background(), ExecutionRequest{
		Program: program,
		Seed:    1,
		Env:     map[string]string{"CUDA_VISIBLE_DEVICES": "0"},
	})
	if !errors.Is(err, ErrGPURequested) {
		t.Fatalf("err = %v, want ErrGPURequested", err)
	}

	// Explicitly disabling GPU is fine.
	program = shProgram(t, `printf '{}' > metrics.json`)
	if _, err := runner.Execute(context.Background(), ExecutionRequest{
		Program: program,
		Seed:    1,
		Env:     map[string]string{"CUDA_VISIBLE_DEVICES": "-1"},
	}); err != nil {
		t.Fatalf("execute with CUDA_VISIBLE_DEVICES=-1: %v", err)
	}
}

func TestProcessRunner_DeadlineInterrupt(t *testing.T) {
	runner := NewProcessRunner(ProcessConfig{}, nil)
	log := &emitLog{}

	program := shProgram(t, `echo "starting slow work"; sleep 10; printf '{}' > metrics.json`)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runner.Execute(ctx, ExecutionRequest{Program: program, Seed: 1, Emit: log.emit})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("interrupt took %s, process group not killed promptly", elapsed)
	}
}

func TestProcessRunner_Determinism(t *testing.T) {
	runner := NewProcessRunner(ProcessConfig{}, nil)

	// Metrics derive only from the injected seed.
	program := shProgram(t, `printf '{"seed": %s}' "$REPLAB_SEED" > metrics.json`)

	var outputs []string
	for i := 0; i < 2; i++ {
		result, err := runner.Execute(context.Background(), ExecutionRequest{Program: program, Seed: 1234})
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		outputs = append(outputs, result.Metrics)
	}
	if outputs[0] != outputs[1] {
		t.Errorf("metrics differ across identical (program, seed) runs: %q vs %q", outputs[0], outputs[1])
	}
	if !strings.Contains(outputs[0], "1234") {
		t.Errorf("metrics = %q, want seed 1234 visible to units", outputs[0])
	}
}

func TestProcessRunner_SeedsInterpreterPRNG(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	runner := NewProcessRunner(ProcessConfig{}, nil)

	// The unit draws from the PRNG without ever seeding it; the prelude
	// must have seeded it already.
	prog := Program{
		FormatVersion: 1,
		Interpreter:   "python3",
		Units: []Unit{{Source: "import json, random\n" +
			"with open(\"metrics.json\", \"w\") as f:\n" +
			"    json.dump({\"v\": random.random()}, f)\n"}},
	}
	raw, err := json.Marshal(prog)
	if err != nil {
		t.Fatalf("marshaling program: %v", err)
	}

	var outputs []string
	for i := 0; i < 2; i++ {
		result, err := runner.Execute(context.Background(), ExecutionRequest{Program: raw, Seed: 1234})
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		outputs = append(outputs, result.Metrics)
	}
	if outputs[0] != outputs[1] {
		t.Errorf("unseeded PRNG draw differs across identical seeds: %q vs %q", outputs[0], outputs[1])
	}

	result, err := runner.Execute(context.Background(), ExecutionRequest{Program: raw, Seed: 4321})
	if err != nil {
		t.Fatalf("execute with different seed: %v", err)
	}
	if result.Metrics == outputs[0] {
		t.Errorf("PRNG draw identical across different seeds: %q", result.Metrics)
	}
}

func TestBuildEnv(t *testing.T) {
	env := buildEnv("/tmp/work", 99, map[string]string{
		"DATASET_URL":          "https://example.com/d.csv",
		"CUDA_VISIBLE_DEVICES": "0", // Must never pass through.
	})

	has := func(entry string) bool {
		for _, e := range env {
			if e == entry {
				return true
			}
		}
		return false
	}
	if !has("REPLAB_SEED=99") || !has("PYTHONHASHSEED=99") {
		t.Errorf("env missing seed entries: %v", env)
	}
	if !has("CUDA_VISIBLE_DEVICES=-1") {
		t.Errorf("env missing CPU-only enforcement: %v", env)
	}
	if has("CUDA_VISIBLE_DEVICES=0") {
		t.Errorf("plan env overrode GPU enforcement: %v", env)
	}
	if !has("DATASET_URL=https://example.com/d.csv") {
		t.Errorf("plan env var not merged: %v", env)
	}
	if !has("PYTHONPATH=/tmp/work") {
		t.Errorf("env missing workdir on PYTHONPATH: %v", env)
	}

	// A plan-provided PYTHONPATH is appended after the workdir, never in
	// front of it.
	env = buildEnv("/tmp/work", 99, map[string]string{"PYTHONPATH": "/opt/libs"})
	var sawMerged bool
	for _, e := range env {
		if e == "PYTHONPATH=/tmp/work:/opt/libs" {
			sawMerged = true
		}
		if e == "PYTHONPATH=/opt/libs" {
			t.Errorf("plan PYTHONPATH shadowed the workdir: %v", env)
		}
	}
	if !sawMerged {
		t.Errorf("plan PYTHONPATH not merged behind the workdir: %v", env)
	}
}

func TestParseProgram(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"format_version":1,"units":[{"source":"echo hi"}]}`, false},
		{"no units", `{"format_version":1,"units":[]}`, true},
		{"empty source", `{"format_version":1,"units":[{"source":"  "}]}`, true},
		{"not json", `units: nope`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProgram([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

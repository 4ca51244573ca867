package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/replab-dev/replab/internal/config"
	"github.com/replab-dev/replab/internal/event"
	"github.com/replab-dev/replab/internal/run"
	"github.com/replab-dev/replab/internal/sandbox"
)

var (
	execSeed        int
	execBudget      int
	execInterpreter string
	execOutDir      string
)

var execCmd = &cobra.Command{
	Use:   "exec <program.json>",
	Short: "Execute a program locally in the sandbox, without the server",
	Long: `Exec runs a program artifact through the same sandbox the server uses:
one interpreter subprocess per unit, isolated working directory, deterministic
seeding, CPU-only. Events are printed to stdout as JSON lines; artifacts are
written to the output directory on success.`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().IntVar(&execSeed, "seed", 42, "deterministic seed")
	execCmd.Flags().IntVar(&execBudget, "budget", 25, "execution budget in minutes")
	execCmd.Flags().StringVar(&execInterpreter, "interpreter", "", "interpreter binary (default python3)")
	execCmd.Flags().StringVar(&execOutDir, "out", ".", "directory for artifact files")
}

func runExec(_ *cobra.Command, args []string) error {
	program, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading program: %w", err)
	}

	logger := newLogger(config.LoggingConfig{Level: "warn"})
	runner := sandbox.NewProcessRunner(sandbox.ProcessConfig{
		Interpreter: execInterpreter,
	}, logger)

	budget := time.Duration(execBudget) * time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	emit := func(kind event.Kind, payload map[string]any) {
		_ = enc.Encode(map[string]any{"kind": kind, "payload": payload})
	}

	start := time.Now()
	result, err := runner.Execute(ctx, sandbox.ExecutionRequest{
		Program: program,
		Seed:    execSeed,
		Emit:    emit,
	})
	if err != nil {
		return fmt.Errorf("execution failed after %s: %w", time.Since(start).Round(time.Millisecond), err)
	}

	if err := os.MkdirAll(execOutDir, 0750); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	artifacts := map[string]string{
		run.ArtifactMetrics: result.Metrics,
		run.ArtifactEvents:  result.Events,
		run.ArtifactLogs:    result.Logs,
	}
	for name, content := range artifacts {
		path := filepath.Join(execOutDir, name)
		if err := os.WriteFile(path, []byte(content), 0640); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}

	fmt.Fprintf(os.Stderr, "completed in %s, artifacts written to %s\n",
		result.Duration.Round(time.Millisecond), execOutDir)
	return nil
}

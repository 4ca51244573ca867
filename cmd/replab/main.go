// Replab — deterministic, sandboxed executor for ML experiment plans.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "replab",
	Short: "Replab — deterministic, sandboxed executor for ML experiment plans.",
	Long: `Replab turns validated experiment plans into reproducible runs: each run
executes a plan-derived program unit-by-unit in an isolated sandbox, streams
telemetry live, and persists metrics, events, and logs as durable artifacts.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, execCmd, planCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

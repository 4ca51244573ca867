package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/replab-dev/replab/internal/config"
	"github.com/replab-dev/replab/internal/plan"
	"github.com/replab-dev/replab/internal/run"
)

var planConfigPath string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage stored plans",
}

var planPushCmd = &cobra.Command{
	Use:   "push <plan.json> <program.json>",
	Short: "Store a plan document and its program artifact",
	Long: `Push validates the plan document, stores it together with the program
artifact under a fresh plan ID, and prints the ID and the resolved
environment hash. The plan can then be started via POST /v1/plans/{id}/runs.`,
	Args: cobra.ExactArgs(2),
	RunE: runPlanPush,
}

func init() {
	planCmd.AddCommand(planPushCmd)
	planPushCmd.Flags().StringVar(&planConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runPlanPush(cmd *cobra.Command, args []string) error {
	planData, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading plan: %w", err)
	}
	programData, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading program: %w", err)
	}

	doc, err := plan.Parse(planData)
	if err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	_, envHash := plan.BuildRequirements(doc)

	cfg, err := loadConfig(goutils.Env("REPLAB_CONFIG", planConfigPath))
	if err != nil {
		return err
	}
	blobs, err := newBlobStore(cfg, newLogger(cfg.Logging))
	if err != nil {
		return err
	}

	ctx := context.Background()
	planID := uuid.New()
	if err := blobs.Put(ctx, plan.Key(planID), planData, "application/json"); err != nil {
		return fmt.Errorf("storing plan: %w", err)
	}
	if err := blobs.Put(ctx, run.ProgramKey(planID), programData, "application/json"); err != nil {
		return fmt.Errorf("storing program: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "plan_id: %s\nenv_hash: %s\n", planID, envHash)
	return nil
}

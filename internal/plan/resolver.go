package plan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"

	"github.com/replab-dev/replab/internal/run"
)

// Getter is the read side of the blob store the resolver loads documents
// and program artifacts from.
type Getter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Resolver loads stored plan documents and projects them onto the policy
// view the run core consumes. Missing plans map to run.ErrPlanNotFound.
type Resolver struct {
	blobs  Getter
	logger *slog.Logger
}

var _ run.PlanResolver = (*Resolver)(nil)

func NewResolver(blobs Getter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{blobs: blobs, logger: logger}
}

func (r *Resolver) Resolve(ctx context.Context, planID uuid.UUID) (*run.ResolvedPlan, error) {
	data, err := r.blobs.Get(ctx, Key(planID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, run.ErrPlanNotFound
		}
		return nil, fmt.Errorf("loading plan %s: %w", planID, err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", planID, err)
	}

	_, envHash := BuildRequirements(doc)
	r.logger.DebugContext(ctx, "plan resolved",
		slog.String("plan_id", planID.String()),
		slog.Int("seed", doc.Config.Seed),
		slog.Int("budget_minutes", doc.Policy.BudgetMinutes),
		slog.String("env_hash", envHash),
	)

	return &run.ResolvedPlan{
		ID:            planID,
		Seed:          doc.Config.Seed,
		BudgetMinutes: doc.Policy.BudgetMinutes,
		EnvHash:       envHash,
		Env:           doc.Env,
	}, nil
}

// ProgramSource fetches a plan's pre-generated executable artifact from
// the blob store.
type ProgramSource struct {
	blobs Getter
}

var _ run.ProgramSource = (*ProgramSource)(nil)

func NewProgramSource(blobs Getter) *ProgramSource {
	return &ProgramSource{blobs: blobs}
}

func (s *ProgramSource) FetchProgram(ctx context.Context, planID uuid.UUID) ([]byte, error) {
	data, err := s.blobs.Get(ctx, run.ProgramKey(planID))
	if err != nil {
		return nil, fmt.Errorf("fetching program for plan %s: %w", planID, err)
	}
	return data, nil
}

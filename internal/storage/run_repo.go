package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/replab-dev/replab/internal/event"
	"github.com/replab-dev/replab/internal/run"
)

// ErrDuplicateRun is returned when a run ID is inserted twice.
var ErrDuplicateRun = errors.New("run already exists")

// RunRepository implements run.Store on the GORM connection.
type RunRepository struct {
	db *gorm.DB
}

var _ run.Store = (*RunRepository)(nil)

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db.GormDB()}
}

func (r *RunRepository) CreateRun(ctx context.Context, rn *run.Run) error {
	model := toRunModel(rn)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("run %s: %w", rn.ID, ErrDuplicateRun)
		}
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

func (r *RunRepository) UpdateRun(ctx context.Context, rn *run.Run) error {
	result := r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("id = ?", rn.ID).
		Updates(map[string]any{
			"status":       string(rn.Status),
			"env_hash":     rn.EnvHash,
			"error":        rn.Error,
			"started_at":   rn.StartedAt,
			"completed_at": rn.CompletedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("updating run %s: %w", rn.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return run.ErrRunNotFound
	}
	return nil
}

func (r *RunRepository) GetRun(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	var model RunModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, run.ErrRunNotFound
		}
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return toRunDomain(&model), nil
}

func (r *RunRepository) ListRunsByPlan(ctx context.Context, planID uuid.UUID) ([]run.Run, error) {
	var models []RunModel
	if err := r.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs for plan %s: %w", planID, err)
	}
	out := make([]run.Run, 0, len(models))
	for i := range models {
		out = append(out, *toRunDomain(&models[i]))
	}
	return out, nil
}

func (r *RunRepository) AppendEvent(ctx context.Context, ev *run.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}
	model := RunEventModel{
		ID:      ev.ID,
		RunID:   ev.RunID,
		TS:      ev.TS,
		Kind:    string(ev.Kind),
		Payload: JSONB(payload),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending run event: %w", err)
	}
	return nil
}

func (r *RunRepository) ListEvents(ctx context.Context, runID uuid.UUID) ([]run.Event, error) {
	var models []RunEventModel
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing events for run %s: %w", runID, err)
	}
	out := make([]run.Event, 0, len(models))
	for i := range models {
		out = append(out, *toEventDomain(&models[i]))
	}
	return out, nil
}

func (r *RunRepository) AppendSeriesPoint(ctx context.Context, p *run.SeriesPoint) error {
	model := RunSeriesModel{
		RunID:  p.RunID,
		Metric: p.Metric,
		Step:   p.Step,
		Value:  p.Value,
		TS:     p.TS,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending series point: %w", err)
	}
	return nil
}

func (r *RunRepository) ListSeries(ctx context.Context, runID uuid.UUID, metric string) ([]run.SeriesPoint, error) {
	var models []RunSeriesModel
	if err := r.db.WithContext(ctx).
		Where("run_id = ? AND metric = ?", runID, metric).
		Order("step ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing series %s for run %s: %w", metric, runID, err)
	}
	out := make([]run.SeriesPoint, 0, len(models))
	for _, m := range models {
		out = append(out, run.SeriesPoint{
			RunID:  m.RunID,
			Metric: m.Metric,
			Step:   m.Step,
			Value:  m.Value,
			TS:     m.TS,
		})
	}
	return out, nil
}

func (r *RunRepository) ListStaleRunning(ctx context.Context, olderThan time.Time) ([]run.Run, error) {
	var models []RunModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", string(run.StatusRunning), olderThan).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing stale runs: %w", err)
	}
	out := make([]run.Run, 0, len(models))
	for i := range models {
		out = append(out, *toRunDomain(&models[i]))
	}
	return out, nil
}

func toRunModel(rn *run.Run) *RunModel {
	return &RunModel{
		ID:          rn.ID,
		PlanID:      rn.PlanID,
		Status:      string(rn.Status),
		EnvHash:     rn.EnvHash,
		Error:       rn.Error,
		CreatedAt:   rn.CreatedAt,
		StartedAt:   rn.StartedAt,
		CompletedAt: rn.CompletedAt,
	}
}

func toRunDomain(m *RunModel) *run.Run {
	return &run.Run{
		ID:          m.ID,
		PlanID:      m.PlanID,
		Status:      run.Status(m.Status),
		EnvHash:     m.EnvHash,
		Error:       m.Error,
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

func toEventDomain(m *RunEventModel) *run.Event {
	var payload map[string]any
	_ = json.Unmarshal([]byte(m.Payload), &payload)
	return &run.Event{
		ID:      m.ID,
		RunID:   m.RunID,
		TS:      m.TS,
		Kind:    event.Kind(m.Kind),
		Payload: payload,
	}
}

// isDuplicateKey recognizes a unique-constraint violation on either
// backend: GORM's translated error for sqlite, the pgx error code for
// postgres.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

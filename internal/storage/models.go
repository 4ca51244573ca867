package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunModel maps to the "runs" table.
type RunModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	PlanID      uuid.UUID `gorm:"type:uuid;not null;index"`
	Status      string    `gorm:"not null;index"`
	EnvHash     string
	Error       string
	CreatedAt   time.Time `gorm:"not null"`
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (RunModel) TableName() string { return "runs" }

// RunEventModel maps to the "run_events" table. Rows are append-only;
// insertion order within a run is the event order.
type RunEventModel struct {
	Seq     int64     `gorm:"primaryKey;autoIncrement"`
	ID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	RunID   uuid.UUID `gorm:"type:uuid;not null;index"`
	TS      time.Time `gorm:"not null"`
	Kind    string    `gorm:"not null"`
	Payload JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
}

func (RunEventModel) TableName() string { return "run_events" }

// RunSeriesModel maps to the "run_series" table: one row per metric sample.
type RunSeriesModel struct {
	Seq    int64     `gorm:"primaryKey;autoIncrement"`
	RunID  uuid.UUID `gorm:"type:uuid;not null;index:idx_run_series_metric"`
	Metric string    `gorm:"not null;index:idx_run_series_metric"`
	Step   int       `gorm:"not null"`
	Value  float64   `gorm:"not null"`
	TS     time.Time `gorm:"not null"`
}

func (RunSeriesModel) TableName() string { return "run_series" }

// JSONB is a json.RawMessage stored as jsonb on postgres and TEXT on sqlite.
type JSONB json.RawMessage

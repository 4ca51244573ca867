// Package plan reads validated plan documents and resolves the policy
// fields the run core consumes. Plan generation and schema validation
// happen upstream; documents arriving here are treated as trusted input,
// checked only for the invariants execution depends on.
package plan

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Document is a stored plan. Only config.seed, policy.budget_minutes, the
// environment fields, and the metric declarations matter to execution; the
// rest is carried for the read API.
type Document struct {
	Version string            `json:"version"`
	Dataset Dataset           `json:"dataset"`
	Model   Model             `json:"model"`
	Config  TrainConfig       `json:"config"`
	Metrics []Metric          `json:"metrics"`
	Policy  Policy            `json:"policy"`
	Env     map[string]string `json:"env,omitempty"`
}

type Dataset struct {
	Name  string `json:"name"`
	Split string `json:"split"`
}

type Model struct {
	Name    string `json:"name"`
	Variant string `json:"variant,omitempty"`
}

type TrainConfig struct {
	Framework    string  `json:"framework"`
	Seed         int     `json:"seed"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	Optimizer    string  `json:"optimizer"`
}

type Metric struct {
	Name      string   `json:"name"`
	Split     string   `json:"split"`
	Goal      *float64 `json:"goal,omitempty"`
	Direction string   `json:"direction,omitempty"`
}

type Policy struct {
	BudgetMinutes int `json:"budget_minutes"`
	MaxRetries    int `json:"max_retries,omitempty"`
}

// Parse decodes and checks a stored plan document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding plan document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate enforces the invariants execution depends on.
func (d *Document) Validate() error {
	if d.Version == "" {
		return fmt.Errorf("plan document missing version")
	}
	if d.Config.Seed < 0 {
		return fmt.Errorf("config.seed must be non-negative, got %d", d.Config.Seed)
	}
	if d.Policy.BudgetMinutes < 1 {
		return fmt.Errorf("policy.budget_minutes must be at least 1, got %d", d.Policy.BudgetMinutes)
	}
	return nil
}

// Key returns the blob key of a stored plan document.
func Key(planID uuid.UUID) string {
	return "plans/" + planID.String() + "/plan.json"
}

package plan

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/replab-dev/replab/internal/run"
)

const validPlanJSON = `{
  "version": "1.1",
  "dataset": {"name": "iris", "split": "train"},
  "model": {"name": "logistic_regression"},
  "config": {
    "framework": "scikit-learn",
    "seed": 42,
    "epochs": 5,
    "batch_size": 32,
    "learning_rate": 0.01,
    "optimizer": "lbfgs"
  },
  "metrics": [{"name": "accuracy", "split": "test", "goal": 0.9}],
  "policy": {"budget_minutes": 10},
  "env": {"DATA_DIR": "/data"}
}`

func TestParse_Valid(t *testing.T) {
	doc, err := Parse([]byte(validPlanJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Config.Seed != 42 {
		t.Errorf("seed = %d, want 42", doc.Config.Seed)
	}
	if doc.Policy.BudgetMinutes != 10 {
		t.Errorf("budget = %d, want 10", doc.Policy.BudgetMinutes)
	}
	if doc.Env["DATA_DIR"] != "/data" {
		t.Errorf("env = %v", doc.Env)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", "{nope"},
		{"missing version", `{"config": {"seed": 1}, "policy": {"budget_minutes": 5}}`},
		{"negative seed", `{"version": "1.1", "config": {"seed": -1}, "policy": {"budget_minutes": 5}}`},
		{"zero budget", `{"version": "1.1", "config": {"seed": 1}, "policy": {"budget_minutes": 0}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.json)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuildRequirements(t *testing.T) {
	doc, err := Parse([]byte(validPlanJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	text, hash := BuildRequirements(doc)
	if !strings.Contains(text, "scikit-learn==1.5.1") || !strings.Contains(text, "numpy==1.26.4") {
		t.Errorf("requirements missing baseline pins:\n%s", text)
	}
	if strings.Contains(text, "torch") {
		t.Errorf("sklearn plan should not pull torch:\n%s", text)
	}
	if !strings.HasSuffix(text, "\n") {
		t.Error("requirements text missing trailing newline")
	}
	if len(hash) != 64 {
		t.Errorf("hash %q is not a sha256 hex digest", hash)
	}

	// Same document, same hash.
	_, again := BuildRequirements(doc)
	if again != hash {
		t.Errorf("hash not deterministic: %s vs %s", hash, again)
	}

	// A torch plan gets the torch pins and a different hash.
	doc.Config.Framework = "pytorch"
	torchText, torchHash := BuildRequirements(doc)
	if !strings.Contains(torchText, "torch==2.2.2") || !strings.Contains(torchText, "torchvision==0.17.2") {
		t.Errorf("torch pins missing:\n%s", torchText)
	}
	if torchHash == hash {
		t.Error("different environments share a hash")
	}
}

type mapGetter map[string][]byte

func (g mapGetter) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := g[key]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func TestResolver(t *testing.T) {
	planID := uuid.New()
	blobs := mapGetter{Key(planID): []byte(validPlanJSON)}
	resolver := NewResolver(blobs, nil)

	resolved, err := resolver.Resolve(context.Background(), planID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Seed != 42 || resolved.BudgetMinutes != 10 {
		t.Errorf("resolved = %+v", resolved)
	}
	if resolved.EnvHash == "" {
		t.Error("env hash not computed")
	}
	if resolved.Env["DATA_DIR"] != "/data" {
		t.Errorf("env not carried: %v", resolved.Env)
	}
}

func TestResolver_NotFound(t *testing.T) {
	resolver := NewResolver(mapGetter{}, nil)
	_, err := resolver.Resolve(context.Background(), uuid.New())
	if !errors.Is(err, run.ErrPlanNotFound) {
		t.Fatalf("err = %v, want ErrPlanNotFound", err)
	}
}

func TestResolver_MalformedDocument(t *testing.T) {
	planID := uuid.New()
	blobs := mapGetter{Key(planID): []byte(`{"version": "1.1"}`)}
	resolver := NewResolver(blobs, nil)

	if _, err := resolver.Resolve(context.Background(), planID); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestProgramSource(t *testing.T) {
	planID := uuid.New()
	program := []byte(`{"format_version": 1, "units": [{"source": "pass"}]}`)
	src := NewProgramSource(mapGetter{run.ProgramKey(planID): program})

	got, err := src.FetchProgram(context.Background(), planID)
	if err != nil {
		t.Fatalf("FetchProgram: %v", err)
	}
	if string(got) != string(program) {
		t.Errorf("program = %q", got)
	}

	if _, err := src.FetchProgram(context.Background(), uuid.New()); err == nil {
		t.Error("expected error for unknown plan")
	}
}

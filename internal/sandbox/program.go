package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Program is the executable artifact materialized by the planning stage:
// an ordered sequence of independently-executable units. Unit i+1 starts
// only after unit i completes; units share one working directory, so state
// flows between them through files.
type Program struct {
	FormatVersion int    `json:"format_version"`
	Interpreter   string `json:"interpreter,omitempty"` // Override for the runner default.
	RequiresGPU   bool   `json:"requires_gpu,omitempty"`
	Units         []Unit `json:"units"`
}

// Unit is one independently-executable segment of the program.
type Unit struct {
	Name   string `json:"name,omitempty"`
	Source string `json:"source"`
}

// ParseProgram decodes and validates an executable artifact.
func ParseProgram(raw []byte) (*Program, error) {
	var p Program
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding program: %w", err)
	}
	if len(p.Units) == 0 {
		return nil, fmt.Errorf("program has no units")
	}
	for i, u := range p.Units {
		if strings.TrimSpace(u.Source) == "" {
			return nil, fmt.Errorf("unit %d has empty source", i+1)
		}
	}
	return &p, nil
}

// label returns a human-readable identifier for logging.
func (u Unit) label(index int) string {
	if u.Name != "" {
		return u.Name
	}
	return fmt.Sprintf("unit_%03d", index)
}

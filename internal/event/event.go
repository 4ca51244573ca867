// Package event defines the closed vocabulary of run events and the
// validator that normalizes arbitrary emitted payloads into it.
//
// The sandbox and the generated program both emit loosely-typed
// (kind, payload) pairs. Normalize maps recognized kinds onto their
// canonical payload shape and passes unknown kinds through unchanged,
// so new event kinds can flow end-to-end without a coordinated upgrade.
package event

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a run event type.
type Kind string

const (
	KindStageUpdate  Kind = "stage_update"  // Phase entry (dataset_load, train, evaluate, ...).
	KindProgress     Kind = "progress"      // Coarse completion estimate, 0–100.
	KindLogLine      Kind = "log_line"      // One free-text output line, order-preserving.
	KindMetricUpdate Kind = "metric_update" // A scalar metric sample.
	KindSamplePred   Kind = "sample_pred"   // A qualitative prediction sample.
	KindError        Kind = "error"         // Terminal or recoverable error signal.
)

// Well-known stage names emitted by the orchestrator itself.
const (
	StageRunStart    = "run_start"
	StageRunComplete = "run_complete"
	StageRunError    = "run_error"
	StageSeedCheck   = "seed_check"
)

// Event is the wire envelope: a kind tag plus its payload.
type Event struct {
	Kind    Kind           `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// StageUpdatePayload marks entry into a named run phase.
type StageUpdatePayload struct {
	Stage string `json:"stage"`
	RunID string `json:"run_id,omitempty"`
	Seed  *int   `json:"seed,omitempty"`
}

// ProgressPayload is a coarse completion estimate.
type ProgressPayload struct {
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// LogLinePayload carries one free-text output line.
type LogLinePayload struct {
	Message string `json:"message"`
}

// MetricUpdatePayload is a single scalar metric sample.
type MetricUpdatePayload struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Split  string  `json:"split,omitempty"`
	TS     string  `json:"ts,omitempty"`
}

// SamplePredPayload is a qualitative sample (e.g. one model prediction).
type SamplePredPayload struct {
	Text  string `json:"text,omitempty"`
	Label string `json:"label,omitempty"`
	Stage string `json:"stage,omitempty"`
	TS    string `json:"ts,omitempty"`
}

// ErrorPayload signals a run-level error with a stable code.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Recognized reports whether kind is part of the closed vocabulary.
func Recognized(kind Kind) bool {
	switch kind {
	case KindStageUpdate, KindProgress, KindLogLine, KindMetricUpdate, KindSamplePred, KindError:
		return true
	}
	return false
}

// Normalize validates payload against the canonical shape for kind and
// returns the normalized payload map (declared fields only, extras dropped).
// Unknown kinds pass through unchanged. A non-nil error on a recognized
// kind indicates a sandbox contract bug, not a run failure — callers decide
// whether to fail loudly or drop the event.
func Normalize(kind Kind, payload map[string]any) (map[string]any, error) {
	switch kind {
	case KindStageUpdate:
		var p StageUpdatePayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.Stage == "" {
			return nil, fmt.Errorf("stage_update: stage is required")
		}
		return encode(p)
	case KindProgress:
		var p ProgressPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.Percent < 0 || p.Percent > 100 {
			return nil, fmt.Errorf("progress: percent %d out of range [0, 100]", p.Percent)
		}
		return encode(p)
	case KindLogLine:
		var p LogLinePayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.Message == "" {
			return nil, fmt.Errorf("log_line: message is required")
		}
		return encode(p)
	case KindMetricUpdate:
		var p MetricUpdatePayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.Metric == "" {
			return nil, fmt.Errorf("metric_update: metric is required")
		}
		return encode(p)
	case KindSamplePred:
		var p SamplePredPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		return encode(p)
	case KindError:
		var p ErrorPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.Message == "" {
			return nil, fmt.Errorf("error: message is required")
		}
		return encode(p)
	default:
		// Forward-compatible passthrough.
		return payload, nil
	}
}

// decode round-trips a payload map into a typed payload struct.
// Extra fields are dropped; type mismatches surface as errors.
func decode(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// encode round-trips a typed payload struct back into a map.
func encode(in any) (map[string]any, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return out, nil
}

package run

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/replab-dev/replab/internal/event"
)

// runState is the per-run mutable bookkeeping shared between the
// orchestration goroutine and the emit-drain goroutine: the metric step
// counters and the partial-artifact accumulators used when a run fails
// before the sandbox can assemble its outputs.
type runState struct {
	mu     sync.Mutex
	steps  map[string]int
	logs   []string
	events strings.Builder
}

func newRunState() *runState {
	return &runState{steps: make(map[string]int)}
}

// observe records one normalized event into the partial accumulators.
// Every event becomes one JSON line; log_line messages additionally feed
// the partial log transcript.
func (s *runState) observe(kind event.Kind, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		record[k] = v
	}
	record["type"] = string(kind)
	if line, err := json.Marshal(record); err == nil {
		s.events.Write(line)
		s.events.WriteByte('\n')
	}

	if kind == event.KindLogLine {
		if msg, ok := payload["message"].(string); ok {
			s.logs = append(s.logs, msg)
		}
	}
}

// nextStep increments and returns the 1-based step counter for a metric.
func (s *runState) nextStep(metric string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[metric]++
	return s.steps[metric]
}

// snapshot returns the partial logs and events accumulated so far.
func (s *runState) snapshot() (logsText, eventsText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) > 0 {
		logsText = strings.Join(s.logs, "\n") + "\n"
	}
	return logsText, s.events.String()
}

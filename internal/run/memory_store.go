package run

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and the one-shot CLI
// mode. All returned values are copies.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]*Run
	events map[uuid.UUID][]Event
	series map[uuid.UUID][]SeriesPoint
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[uuid.UUID]*Run),
		events: make(map[uuid.UUID][]Event),
		series: make(map[uuid.UUID][]SeriesPoint),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return ErrRunNotFound
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRunsByPlan(_ context.Context, planID uuid.UUID) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, r := range s.runs {
		if r.PlanID == planID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.RunID] = append(s.events[ev.RunID], *ev)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, runID uuid.UUID) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events[runID]))
	copy(out, s.events[runID])
	return out, nil
}

func (s *MemoryStore) AppendSeriesPoint(_ context.Context, p *SeriesPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[p.RunID] = append(s.series[p.RunID], *p)
	return nil
}

func (s *MemoryStore) ListSeries(_ context.Context, runID uuid.UUID, metric string) ([]SeriesPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SeriesPoint
	for _, p := range s.series[runID] {
		if p.Metric == metric {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStaleRunning(_ context.Context, olderThan time.Time) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, r := range s.runs {
		if r.Status == StatusRunning && r.StartedAt != nil && r.StartedAt.Before(olderThan) {
			out = append(out, *r)
		}
	}
	return out, nil
}

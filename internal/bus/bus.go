// Package bus implements the in-process event bus for run telemetry.
//
// Each run gets an append-only history plus live delivery: a subscriber
// attaching mid-run first receives the full history in order, then live
// events until the run closes its stream. The bus is single-process and
// best-effort — the durable event log is authoritative after process exit.
package bus

import (
	"context"
	"sync"

	"github.com/replab-dev/replab/internal/event"
)

// Bus distributes run events to any number of subscribers, keyed by run ID.
// There is exactly one writer per run (the orchestrator); reads are
// cursor-based over the append-only history, so subscribers never drop or
// reorder events and never steal them from each other.
//
// Construct one Bus at process start and inject it — no package-level state.
type Bus struct {
	mu   sync.Mutex
	runs map[string]*runStream
}

// runStream holds one run's history and end-of-stream flag.
// cond is signalled on publish, close, and evict.
type runStream struct {
	history []event.Event
	closed  bool
	cond    *sync.Cond
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{runs: make(map[string]*runStream)}
}

// Register idempotently ensures a stream exists for the run.
func (b *Bus) Register(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensure(runID)
}

// Publish appends an event to the run's history and wakes subscribers.
// Events published after Close are discarded.
func (b *Bus) Publish(runID string, kind event.Kind, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs := b.ensure(runID)
	if rs.closed {
		return
	}
	rs.history = append(rs.history, event.Event{Kind: kind, Payload: payload})
	rs.cond.Broadcast()
}

// Close marks the run's stream as ended. Subscribers finish draining the
// history and then stop. Idempotent. History remains readable by new
// subscribers until Evict.
func (b *Bus) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.runs[runID]
	if !ok {
		return
	}
	rs.closed = true
	rs.cond.Broadcast()
}

// Closed reports whether the run's stream has ended.
// Unknown runs report false.
func (b *Bus) Closed(runID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.runs[runID]
	return ok && rs.closed
}

// Evict removes a closed run's history, releasing its memory. Active
// subscribers finish with whatever history they have already received.
// Evicting an unknown or still-open run is a no-op.
func (b *Bus) Evict(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.runs[runID]
	if !ok || !rs.closed {
		return
	}
	rs.cond.Broadcast()
	delete(b.runs, runID)
}

// Runs returns the IDs of all registered runs, closed but unevicted
// included. Order is unspecified.
func (b *Bus) Runs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.runs))
	for id := range b.runs {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered runs (closed but unevicted included).
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

// Stream returns a channel yielding the run's full history in order, then
// live events until Close. The channel closes on end-of-stream or context
// cancellation. Unknown or evicted run IDs yield an empty, closed channel
// rather than an error.
func (b *Bus) Stream(ctx context.Context, runID string) <-chan event.Event {
	out := make(chan event.Event)

	b.mu.Lock()
	rs, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		close(out)
		return out
	}

	// Wake the cursor loop when the subscriber goes away.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		rs.cond.Broadcast()
		b.mu.Unlock()
	})

	go func() {
		defer close(out)
		defer stop()

		cursor := 0
		for {
			b.mu.Lock()
			for cursor >= len(rs.history) && !rs.closed && ctx.Err() == nil {
				rs.cond.Wait()
			}
			if ctx.Err() != nil || (rs.closed && cursor >= len(rs.history)) {
				b.mu.Unlock()
				return
			}
			ev := rs.history[cursor]
			cursor++
			b.mu.Unlock()

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// ensure returns the run's stream, creating it if needed. Caller holds b.mu.
func (b *Bus) ensure(runID string) *runStream {
	rs, ok := b.runs[runID]
	if !ok {
		rs = &runStream{cond: sync.NewCond(&b.mu)}
		b.runs[runID] = rs
	}
	return rs
}

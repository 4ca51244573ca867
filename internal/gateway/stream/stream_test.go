package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/replab-dev/replab/internal/bus"
	"github.com/replab-dev/replab/internal/event"
	"github.com/replab-dev/replab/internal/run"
)

type fakeRuns struct {
	known map[uuid.UUID]bool
}

func (f *fakeRuns) Status(_ context.Context, id uuid.UUID) (*run.Run, error) {
	if !f.known[id] {
		return nil, run.ErrRunNotFound
	}
	return &run.Run{ID: id, Status: run.StatusRunning}, nil
}

func newTestServer(t *testing.T, known ...uuid.UUID) (*httptest.Server, *bus.Bus) {
	t.Helper()
	b := bus.New()
	runs := &fakeRuns{known: make(map[uuid.UUID]bool)}
	for _, id := range known {
		runs.known[id] = true
		b.Register(id.String())
	}
	srv := NewServer(runs, b, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, b
}

func dial(t *testing.T, ts *httptest.Server, runID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ts.URL+"?run="+runID, &websocket.DialOptions{
		Subprotocols: []string{"replab-stream-v1"},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func TestServer_ReplayAndLive(t *testing.T) {
	runID := uuid.New()
	ts, b := newTestServer(t, runID)

	// History published before the client connects.
	b.Publish(runID.String(), event.KindStageUpdate, map[string]any{"stage": "run_start"})
	b.Publish(runID.String(), event.KindLogLine, map[string]any{"message": "epoch 1"})

	conn := dial(t, ts, runID.String())
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	readFrame := func() frame {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		return f
	}

	if f := readFrame(); f.Kind != event.KindStageUpdate {
		t.Errorf("first frame = %q, want stage_update", f.Kind)
	}
	if f := readFrame(); f.Kind != event.KindLogLine || f.Payload["message"] != "epoch 1" {
		t.Errorf("second frame = %+v", f)
	}

	// Live event published after the replay.
	b.Publish(runID.String(), event.KindMetricUpdate, map[string]any{"metric": "loss", "value": 0.4})
	if f := readFrame(); f.Kind != event.KindMetricUpdate {
		t.Errorf("live frame = %q, want metric_update", f.Kind)
	}

	// Closing the run ends the stream with a normal closure.
	b.Close(runID.String())
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", websocket.CloseStatus(err))
	}
}

func TestServer_UnknownRun(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "?run=" + uuid.NewString())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_InvalidRunParam(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, q := range []string{"", "?run=", "?run=not-a-uuid"} {
		resp, err := http.Get(ts.URL + q)
		if err != nil {
			t.Fatalf("Get(%q): %v", q, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Get(%q) status = %d, want 400", q, resp.StatusCode)
		}
	}
}

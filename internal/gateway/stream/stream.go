// Package stream implements the WebSocket endpoint for run telemetry.
// Clients connect with a run ID, receive the full event history in order,
// then live events until the run finishes. It is a push-only counterpart
// to the SSE endpoint for clients that prefer a socket.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/replab-dev/replab/internal/bus"
	"github.com/replab-dev/replab/internal/event"
	"github.com/replab-dev/replab/internal/run"
)

// RunChecker looks up a run before a stream is opened for it.
// *run.Executor satisfies this.
type RunChecker interface {
	Status(ctx context.Context, runID uuid.UUID) (*run.Run, error)
}

// Server upgrades HTTP requests to WebSocket connections and relays
// run events from the bus.
type Server struct {
	runs   RunChecker
	bus    *bus.Bus
	logger *slog.Logger
}

// frame is the wire form of one relayed event.
type frame struct {
	Kind    event.Kind     `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// NewServer creates a WebSocket stream server.
func NewServer(runs RunChecker, b *bus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{runs: runs, bus: b, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
// The run is selected with the `run` query parameter.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("run"))
	if err != nil {
		http.Error(w, "invalid or missing run parameter", http.StatusBadRequest)
		return
	}
	if _, err := s.runs.Status(r.Context(), id); err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "loading run failed", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"replab-stream-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.relay(r.Context(), conn, id)
}

// relay drains the run's bus stream into the connection. The history is
// replayed first, then live events; the connection closes normally when
// the run's stream ends.
func (s *Server) relay(ctx context.Context, conn *websocket.Conn, runID uuid.UUID) {
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	s.logger.Debug("websocket stream opened", slog.String("run_id", runID.String()))

	for ev := range s.bus.Stream(ctx, runID.String()) {
		data, err := json.Marshal(frame{Kind: ev.Kind, Payload: ev.Payload})
		if err != nil {
			s.logger.Warn("encoding event failed",
				slog.String("run_id", runID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Debug("client disconnected", slog.String("run_id", runID.String()))
			} else {
				s.logger.Warn("writing to client failed",
					slog.String("run_id", runID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

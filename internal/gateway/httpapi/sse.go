package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/replab-dev/replab/internal/run"
)

// handleStreamSSE handles GET /v1/runs/{id}/stream: full history replay
// followed by live events, one SSE event per bus event, named by kind.
// The stream ends when the run's channel closes or the client disconnects.
func (g *Gateway) handleStreamSSE(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	// Unknown runs 404 instead of an instantly-empty stream.
	if _, err := g.executor.Status(c.Context(), id); err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
		}
		return c.AbortInternalServerError("loading run failed")
	}

	if g.config.Metrics != nil {
		g.config.Metrics.StreamSubscribers.Inc()
		defer g.config.Metrics.StreamSubscribers.Dec()
	}

	g.logger.Debug("sse stream opened", slog.String("run_id", id.String()))
	for ev := range g.bus.Stream(c.Context(), id.String()) {
		c.SSEvent(string(ev.Kind), ev.Payload)
	}
	c.SSEvent("end", okapi.M{})
	return nil
}

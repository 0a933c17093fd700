package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/quikhit/bidengine/internal/domain"
)

const (
	defaultEventCount = 100
	maxEventCount     = 500
)

// StreamReader reads entries from the durable event tail.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventsHandler serves the durable state change event tail so clients that
// missed pub/sub messages can replay.
type EventsHandler struct {
	streams StreamReader
	logger  *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(streams StreamReader, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		streams: streams,
		logger:  logHandler(logger, "events"),
	}
}

type streamEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

type listEventsResponse struct {
	Events []streamEvent `json:"events"`
}

// List replays state change events appended after the given stream id.
// GET /api/events?after=<id>&limit=<n>
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	count := defaultEventCount
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxEventCount {
			n = maxEventCount
		}
		count = n
	}

	msgs, err := h.streams.StreamRead(r.Context(), domain.EventStream, after, count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "event stream read failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	events := make([]streamEvent, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		events = append(events, streamEvent{ID: m.ID, Event: json.RawMessage(m.Payload)})
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: events})
}

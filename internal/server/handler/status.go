package handler

import (
	"net/http"
	"time"
)

// EngineStatus reports live engine counters.
type EngineStatus interface {
	ActiveActors() int
}

// StatusHandler serves a summary of the running process.
type StatusHandler struct {
	engine    EngineStatus
	mode      string
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(engine EngineStatus, mode string) *StatusHandler {
	return &StatusHandler{
		engine:    engine,
		mode:      mode,
		startedAt: time.Now().UTC(),
	}
}

type statusResponse struct {
	Mode           string `json:"mode"`
	Uptime         string `json:"uptime"`
	ActiveAuctions int    `json:"active_auctions"`
}

// Get reports the process mode, uptime and live auction count.
// GET /api/status
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Mode:           h.mode,
		Uptime:         time.Since(h.startedAt).Round(time.Second).String(),
		ActiveAuctions: h.engine.ActiveActors(),
	})
}

package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quikhit/bidengine/internal/config"
	"github.com/quikhit/bidengine/internal/domain"
)

// ParamsHandler exposes the live engine tuning parameters. Reads are open,
// writes sit behind the admin key at the router. Accepted updates are
// republished on the bus so other instances reload too.
type ParamsHandler struct {
	holder *config.Holder
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewParamsHandler creates a ParamsHandler.
func NewParamsHandler(holder *config.Holder, bus domain.SignalBus, logger *slog.Logger) *ParamsHandler {
	return &ParamsHandler{
		holder: holder,
		bus:    bus,
		logger: logHandler(logger, "params"),
	}
}

// Get returns the params currently in effect.
// GET /api/engine/params
func (h *ParamsHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.holder.Current())
}

// Update validates and installs new params. In-flight bid evaluations finish
// under the old params; the next bid on every auction sees the new ones.
// PUT /api/engine/params
func (h *ParamsHandler) Update(w http.ResponseWriter, r *http.Request) {
	// Start from the current values so a partial body only overrides the
	// fields it names. The region map is copied because decoding merges keys
	// into the existing map in place.
	cur := h.holder.Current()
	p := *cur
	p.RegionWeights = make(map[string]float64, len(cur.RegionWeights))
	for k, v := range cur.RegionWeights {
		p.RegionWeights[k] = v
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.holder.Swap(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "engine params updated",
		slog.Float64("fraud_threshold", p.FraudThreshold),
		slog.String("snipe_window", p.SnipeWindow.String()),
	)

	// Propagate to other instances. A publish failure only delays them; this
	// instance already runs the new params.
	if payload, err := json.Marshal(h.holder.Current()); err == nil {
		if err := h.bus.Publish(r.Context(), domain.ParamsChannel, payload); err != nil {
			h.logger.WarnContext(r.Context(), "params broadcast failed", slog.String("error", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, h.holder.Current())
}

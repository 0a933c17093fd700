package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/quikhit/bidengine/internal/domain"
)

// SnapshotService defines the methods the snapshot handler requires from the
// engine.
type SnapshotService interface {
	GetSnapshot(ctx context.Context, auctionID string) (domain.RankingSnapshot, error)
}

// SnapshotHandler serves the current ranking snapshot for an auction.
type SnapshotHandler struct {
	snapshots SnapshotService
	logger    *slog.Logger
}

// NewSnapshotHandler creates a SnapshotHandler.
func NewSnapshotHandler(snapshots SnapshotService, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		snapshots: snapshots,
		logger:    logHandler(logger, "snapshot"),
	}
}

// Get returns the latest ranking snapshot for an auction.
// GET /api/auctions/{id}/snapshot
func (h *SnapshotHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.GetSnapshot(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

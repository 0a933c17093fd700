package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quikhit/bidengine/internal/domain"
)

// AuctionService defines the methods the auction handler requires from the
// engine.
type AuctionService interface {
	CreateAuction(ctx context.Context, in domain.AuctionInput) (domain.Auction, error)
	GetAuction(ctx context.Context, id string) (domain.Auction, error)
	ListAuctions(ctx context.Context, status domain.AuctionStatus, opts domain.ListOpts) ([]domain.Auction, error)
	CloseAuction(ctx context.Context, id string) error
	CancelAuction(ctx context.Context, id string) error
}

// Finalizer re-drives settlement after an admin close.
type Finalizer interface {
	Settle(ctx context.Context, auctionID string)
}

// AuctionHandler serves auction CRUD and admin lifecycle endpoints.
type AuctionHandler struct {
	auctions  AuctionService
	finalizer Finalizer
	logger    *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler.
func NewAuctionHandler(auctions AuctionService, finalizer Finalizer, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{
		auctions:  auctions,
		finalizer: finalizer,
		logger:    logHandler(logger, "auction"),
	}
}

// Create registers a new auction in pending status.
// POST /api/auctions
func (h *AuctionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in domain.AuctionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	a, err := h.auctions.CreateAuction(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// Get returns one auction.
// GET /api/auctions/{id}
func (h *AuctionHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.auctions.GetAuction(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// listAuctionsResponse wraps the list auctions response.
type listAuctionsResponse struct {
	Auctions []domain.Auction `json:"auctions"`
}

// List returns auctions, optionally filtered by status.
// GET /api/auctions?status=active&limit=50&offset=0
func (h *AuctionHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.AuctionStatus(r.URL.Query().Get("status"))
	auctions, err := h.auctions.ListAuctions(r.Context(), status, parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listAuctionsResponse{Auctions: auctions})
}

// Close freezes the auction ahead of its end time and drives settlement.
// POST /api/auctions/{id}/close
func (h *AuctionHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := h.auctions.CloseAuction(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "auction closed by admin", slog.String("auction_id", id))

	if h.finalizer != nil {
		h.finalizer.Settle(r.Context(), id)
	}

	a, err := h.auctions.GetAuction(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Cancel voids the auction; no bid wins and no settlement happens.
// POST /api/auctions/{id}/cancel
func (h *AuctionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := h.auctions.CancelAuction(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "auction cancelled by admin", slog.String("auction_id", id))

	a, err := h.auctions.GetAuction(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

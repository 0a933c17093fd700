package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quikhit/bidengine/internal/domain"
)

// BidService defines the methods the bid handler requires from the engine.
type BidService interface {
	SubmitBid(ctx context.Context, in domain.SubmitBidInput) (domain.BidResult, error)
	ListBids(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.Bid, error)
}

// BidHandler serves bid submission and history endpoints.
type BidHandler struct {
	bids   BidService
	logger *slog.Logger
}

// NewBidHandler creates a BidHandler.
func NewBidHandler(bids BidService, logger *slog.Logger) *BidHandler {
	return &BidHandler{
		bids:   bids,
		logger: logHandler(logger, "bid"),
	}
}

// Submit places a bid on an auction. A rejected bid is not an HTTP error:
// clients get a 200 with the verdict so they can distinguish "you lost the
// race" from "the engine is down".
// POST /api/auctions/{id}/bids
func (h *BidHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var in domain.SubmitBidInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	in.AuctionID = pathParam(r, "id")

	res, err := h.bids.SubmitBid(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Status != domain.BidAccepted {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// listBidsResponse wraps the list bids response.
type listBidsResponse struct {
	Bids []domain.Bid `json:"bids"`
}

// List returns the bid history for an auction, newest first.
// GET /api/auctions/{id}/bids
func (h *BidHandler) List(w http.ResponseWriter, r *http.Request) {
	bids, err := h.bids.ListBids(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listBidsResponse{Bids: bids})
}

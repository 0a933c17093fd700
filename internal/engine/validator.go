// Package engine implements the bidding core: per-auction actors, the bid
// validation pipeline, the engine facade exposed to transports, and the
// auction lifecycle manager.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quikhit/bidengine/internal/domain"
)

// Validator performs the local structural and business-rule checks on a bid
// submission before any external collaborator is consulted. Validation has
// no side effects; currency conversion is delegated to the converter and a
// conversion failure surfaces as a transient error, never a rejection.
type Validator struct {
	converter domain.CurrencyConverter
}

// NewValidator creates a Validator using the given currency converter.
func NewValidator(converter domain.CurrencyConverter) *Validator {
	return &Validator{converter: converter}
}

// Validate checks the submission against the auction and returns the
// normalized bid on success. On a business-rule failure the returned error
// is one of the domain sentinels (ErrAuctionNotBiddable, ErrInvalidBid,
// ErrBidTooLow) and the returned bid carries the matching rejected status so
// the caller can persist it for audit. A conversion failure returns
// ErrRateUnavailable with a zero bid.
func (v *Validator) Validate(ctx context.Context, a domain.Auction, in domain.SubmitBidInput, now time.Time) (domain.Bid, error) {
	bid := domain.Bid{
		ID:               uuid.New().String(),
		AuctionID:        a.ID,
		BidderID:         strings.TrimSpace(in.BidderID),
		OriginalAmount:   in.Amount,
		OriginalCurrency: strings.ToUpper(strings.TrimSpace(in.Currency)),
		SubmittedAt:      now,
	}

	if bid.BidderID == "" {
		bid.Status = domain.BidRejectedInvalid
		return bid, fmt.Errorf("validate: empty bidder id: %w", domain.ErrInvalidBid)
	}

	if !a.Status.Biddable() {
		bid.Status = domain.BidRejectedInvalid
		return bid, fmt.Errorf("validate: auction %s is %s: %w", a.ID, a.Status, domain.ErrAuctionNotBiddable)
	}

	if !in.Amount.IsPositive() {
		bid.Status = domain.BidRejectedInvalid
		return bid, fmt.Errorf("validate: non-positive amount %s: %w", in.Amount, domain.ErrInvalidBid)
	}

	// Normalize to the auction currency.
	bid.Amount = in.Amount
	if bid.OriginalCurrency == "" {
		bid.OriginalCurrency = a.Currency
	}
	if bid.OriginalCurrency != a.Currency {
		converted, err := v.converter.Convert(ctx, in.Amount, bid.OriginalCurrency, a.Currency)
		if err != nil {
			if !errors.Is(err, domain.ErrRateUnavailable) {
				err = errors.Join(domain.ErrRateUnavailable, err)
			}
			return domain.Bid{}, fmt.Errorf("validate: convert %s->%s: %w", bid.OriginalCurrency, a.Currency, err)
		}
		bid.Amount = converted
	}

	// Stale check against the auction's current highest bid at evaluation
	// time, not arrival time.
	if bid.Amount.LessThan(a.MinAcceptable()) {
		bid.Status = domain.BidRejectedStale
		return bid, fmt.Errorf("validate: amount %s below minimum %s: %w", bid.Amount, a.MinAcceptable(), domain.ErrBidTooLow)
	}

	return bid, nil
}

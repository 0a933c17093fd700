package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuctionStore persists auctions. Update writes the full mutable portion of
// the row (status, end time, extensions, highest bid, timestamps); callers
// serialize writes per auction id through the actor, and the store guards
// every write against the row's current state so a process holding a stale
// copy cannot roll the auction backwards.
type AuctionStore interface {
	Create(ctx context.Context, a Auction) error
	// Update writes the row only when its current status legally precedes
	// a.Status. A write that matches no row because the auction moved on
	// returns ErrStaleAuction.
	Update(ctx context.Context, a Auction) error
	// ApplyBid persists an accepted bid and the auction row it produced
	// (new highest bid, possibly extended end time) in one transaction, so a
	// partial failure can never leave the bid without its auction update.
	// The write only matches a row that is still biddable and whose highest
	// amount is below the new bid's; otherwise it returns ErrStaleAuction.
	ApplyBid(ctx context.Context, a Auction, b Bid) error
	GetByID(ctx context.Context, id string) (Auction, error)
	List(ctx context.Context, status AuctionStatus, opts ListOpts) ([]Auction, error)
	// ListDueToStart returns pending auctions whose start time has passed.
	ListDueToStart(ctx context.Context, now time.Time) ([]Auction, error)
	// ListDueToClose returns active or extended auctions whose end time has passed.
	ListDueToClose(ctx context.Context, now time.Time) ([]Auction, error)
	// ListSettledBefore returns terminal auctions that settled or were
	// cancelled before the given time (for archiving).
	ListSettledBefore(ctx context.Context, before time.Time) ([]Auction, error)
	Delete(ctx context.Context, id string) error
}

// BidStore persists bids. Bids are append-only: Create writes the decided
// bid exactly once and only the ledger flags are updated afterwards.
type BidStore interface {
	Create(ctx context.Context, b Bid) error
	GetByID(ctx context.Context, id string) (Bid, error)
	ListByAuction(ctx context.Context, auctionID string, opts ListOpts) ([]Bid, error)
	// ListAccepted returns the accepted bids for an auction in submission order.
	ListAccepted(ctx context.Context, auctionID string) ([]Bid, error)
	SetLedgerRecorded(ctx context.Context, id string) error
	SetLedgerFlagged(ctx context.Context, id string) error
	DeleteByAuction(ctx context.Context, auctionID string) (int64, error)
}

// BidderProfileStore persists the non-price ranking factors per bidder.
type BidderProfileStore interface {
	Get(ctx context.Context, bidderID string) (BidderProfile, error)
	GetBatch(ctx context.Context, bidderIDs []string) (map[string]BidderProfile, error)
	Upsert(ctx context.Context, p BidderProfile) error
	// RecordOutcome increments the win or loss counter for a bidder.
	RecordOutcome(ctx context.Context, bidderID string, won bool) error
}

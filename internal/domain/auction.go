// Package domain defines the core types of the bidding engine and the
// interfaces its infrastructure adapters implement. Higher layers (engine,
// server, app) depend only on this package.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionPending   AuctionStatus = "pending"
	AuctionActive    AuctionStatus = "active"
	AuctionExtended  AuctionStatus = "extended"
	AuctionClosed    AuctionStatus = "closed"
	AuctionSettled   AuctionStatus = "settled"
	AuctionCancelled AuctionStatus = "cancelled"
)

// Biddable reports whether bids may be accepted in this status.
func (s AuctionStatus) Biddable() bool {
	return s == AuctionActive || s == AuctionExtended
}

// Terminal reports whether the status permits no further transitions.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionSettled || s == AuctionCancelled
}

// Auction is a time-boxed competition for one ad slot. The highest bid amount
// is monotonically non-decreasing and EndTime only ever moves later. The
// per-auction actor serializes writes within a process, and the store's
// guarded writes enforce both invariants when replicas share an auction.
type Auction struct {
	ID           string          `json:"id"`
	SlotID       string          `json:"slot_id"`
	Status       AuctionStatus   `json:"status"`
	Currency     string          `json:"currency"`
	StartingBid  decimal.Decimal `json:"starting_bid"`
	MinIncrement decimal.Decimal `json:"min_increment"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	// Extensions counts how many times the snipe rule has fired.
	Extensions int        `json:"extensions"`
	HighestBid *Bid       `json:"highest_bid,omitempty"`
	WinningBid *Bid       `json:"winning_bid,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
}

// Clone returns a deep copy of the auction. The actor mutates only copies so
// a failed persist never leaves a half-updated auction behind.
func (a Auction) Clone() Auction {
	c := a
	if a.HighestBid != nil {
		hb := *a.HighestBid
		c.HighestBid = &hb
	}
	if a.WinningBid != nil {
		wb := *a.WinningBid
		c.WinningBid = &wb
	}
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		c.ClosedAt = &t
	}
	if a.SettledAt != nil {
		t := *a.SettledAt
		c.SettledAt = &t
	}
	return c
}

// MinAcceptable returns the smallest amount a new bid must reach: the
// starting bid when no bid has been accepted yet, otherwise the current
// highest amount plus the minimum increment.
func (a Auction) MinAcceptable() decimal.Decimal {
	if a.HighestBid == nil {
		return a.StartingBid
	}
	return a.HighestBid.Amount.Add(a.MinIncrement)
}

// AuctionInput carries the caller-supplied fields for creating an auction.
type AuctionInput struct {
	SlotID       string          `json:"slot_id"`
	Currency     string          `json:"currency"`
	StartingBid  decimal.Decimal `json:"starting_bid"`
	MinIncrement decimal.Decimal `json:"min_increment"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RankedBid is one entry of a ranking snapshot.
type RankedBid struct {
	Rank          int             `json:"rank"`
	BidID         string          `json:"bid_id"`
	BidderID      string          `json:"bidder_id"`
	Amount        decimal.Decimal `json:"amount"`
	PriorityScore float64         `json:"priority_score"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}

// RankingSnapshot is the total order over an auction's accepted bids at one
// point in time. Snapshots are replaced wholesale, never mutated, so every
// subscriber observes an atomic view. Version increases by one per regeneration.
type RankingSnapshot struct {
	AuctionID   string      `json:"auction_id"`
	Version     int64       `json:"version"`
	Entries     []RankedBid `json:"entries"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// RankOf returns the 1-based rank of the given bid id, or 0 if absent.
func (s RankingSnapshot) RankOf(bidID string) int {
	for _, e := range s.Entries {
		if e.BidID == bidID {
			return e.Rank
		}
	}
	return 0
}

// EventType identifies the kind of auction state change carried by an event.
type EventType string

const (
	EventBidAccepted     EventType = "bid_accepted"
	EventAuctionStarted  EventType = "auction_started"
	EventAuctionExtended EventType = "auction_extended"
	EventAuctionClosed   EventType = "auction_closed"
	EventAuctionSettled  EventType = "auction_settled"
	EventAuctionCancelled EventType = "auction_cancelled"
)

// StateChangeEvent is the single event type published through the broadcast
// hub. It always carries the full current ranking snapshot rather than a
// delta, so a subscriber that missed events recovers complete state from the
// next one delivered.
type StateChangeEvent struct {
	Type       EventType        `json:"type"`
	AuctionID  string           `json:"auction_id"`
	Status     AuctionStatus    `json:"status"`
	HighestBid *Bid             `json:"highest_bid,omitempty"`
	Snapshot   *RankingSnapshot `json:"snapshot,omitempty"`
	EndTime    time.Time        `json:"end_time"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// ParamsChannel carries engine-params updates so every running instance
// reloads without a restart.
const ParamsChannel = "ch:engine:params"

// EventStream is the bounded durable tail of state change events. Clients
// that missed pub/sub messages replay from here.
const EventStream = "st:auction:events"

// AuctionChannel returns the bus channel that carries events for one auction.
func AuctionChannel(auctionID string) string {
	return "ch:auction:" + auctionID
}

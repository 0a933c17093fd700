package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidStatus is the terminal decision recorded for a submitted bid. A bid
// never changes status after the initial decision; only the ledger-recorded
// flag is updated later.
type BidStatus string

const (
	BidAccepted        BidStatus = "accepted"
	BidRejectedStale   BidStatus = "rejected_stale"
	BidRejectedInvalid BidStatus = "rejected_invalid"
	BidRejectedFraud   BidStatus = "rejected_fraud"
)

// Bid is one priced offer against an auction. Amount is always normalized to
// the auction currency before the bid is evaluated or persisted.
type Bid struct {
	ID        string          `json:"id"`
	AuctionID string          `json:"auction_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	// OriginalAmount and OriginalCurrency preserve the submission as received
	// when it arrived in a foreign currency.
	OriginalAmount   decimal.Decimal `json:"original_amount"`
	OriginalCurrency string          `json:"original_currency"`
	SubmittedAt      time.Time       `json:"submitted_at"`
	Status           BidStatus       `json:"status"`
	RiskScore        float64         `json:"risk_score"`
	PriorityScore    float64         `json:"priority_score"`
	// LedgerRecorded is set once the transparency-ledger append succeeds.
	// LedgerFlagged marks a bid whose ledger write exhausted its retries.
	LedgerRecorded bool `json:"ledger_recorded"`
	LedgerFlagged  bool `json:"ledger_flagged"`
}

// SubmitBidInput is a bid submission as received from a bidder.
type SubmitBidInput struct {
	AuctionID string          `json:"auction_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// BidResult is the synchronous outcome of a submission: accepted with its
// rank, or rejected with the reason encoded in Status.
type BidResult struct {
	BidID         string    `json:"bid_id"`
	Status        BidStatus `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	PriorityScore float64   `json:"priority_score,omitempty"`
	Rank          int       `json:"rank,omitempty"`
}

// BidderProfile holds the non-price ranking factors for one bidder. Win and
// loss counts are updated on settlement; Engagement and Region come from the
// campaign platform.
type BidderProfile struct {
	BidderID   string    `json:"bidder_id"`
	Wins       int       `json:"wins"`
	Losses     int       `json:"losses"`
	Engagement float64   `json:"engagement"`
	Region     string    `json:"region"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WinRate returns wins/(wins+losses), or zero for an unknown bidder.
func (p BidderProfile) WinRate() float64 {
	total := p.Wins + p.Losses
	if total == 0 {
		return 0
	}
	return float64(p.Wins) / float64(total)
}

package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// RiskScorer is the external fraud-screening collaborator. Score returns a
// value in [0,1]; implementations must respect the context deadline. A
// timeout or transport failure is fail-closed: the caller rejects the bid
// with ErrRiskUnavailable rather than accepting it unscreened.
type RiskScorer interface {
	Score(ctx context.Context, bid Bid) (float64, error)
}

// CurrencyConverter converts an amount between ISO currency codes. A failure
// is a transient ErrRateUnavailable, never a bid rejection.
type CurrencyConverter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// Settler is the external settlement collaborator invoked once per closed
// auction with the winning bid.
type Settler interface {
	Settle(ctx context.Context, auctionID string, winning Bid) error
}

// Ledger appends finalized bids to the external transparency log. Append is
// idempotent on bid id so bounded retries are safe.
type Ledger interface {
	Append(ctx context.Context, bid Bid) error
}

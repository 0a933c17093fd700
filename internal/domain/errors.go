package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrAuctionNotBiddable = errors.New("auction is not accepting bids")
	ErrBidTooLow          = errors.New("bid below current highest plus increment")
	ErrInvalidBid         = errors.New("invalid bid parameters")
	ErrBidVelocity        = errors.New("bid velocity limit exceeded")
	ErrFraudRejected      = errors.New("bid rejected by risk screen")
	ErrRiskUnavailable    = errors.New("risk screen unavailable")
	ErrRateUnavailable    = errors.New("currency rate unavailable")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrAuctionTerminal    = errors.New("auction is in a terminal state")
	// ErrStaleAuction means a guarded store write matched no row: another
	// process moved the auction since this one last read it.
	ErrStaleAuction = errors.New("auction changed in another process")
	ErrContextDone  = errors.New("context cancelled")
	ErrLockHeld     = errors.New("lock already held")
)

// Transient reports whether the error is safe for the caller to retry with
// the same submission. Validation and fraud rejections are terminal; only
// infrastructure failures are transient.
func Transient(err error) bool {
	return errors.Is(err, ErrRiskUnavailable) ||
		errors.Is(err, ErrRateUnavailable) ||
		errors.Is(err, ErrStoreUnavailable)
}

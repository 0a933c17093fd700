package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quikhit/bidengine/internal/domain"
)

// BidStore implements domain.BidStore using PostgreSQL. Accepted bids reach
// the table through AuctionStore.ApplyBid; Create here records rejected bids
// for audit.
type BidStore struct {
	pool *pgxpool.Pool
}

// NewBidStore creates a new BidStore backed by the given pool.
func NewBidStore(pool *pgxpool.Pool) *BidStore {
	return &BidStore{pool: pool}
}

const bidInsertSQL = `
	INSERT INTO bids (
		id, auction_id, bidder_id, amount, original_amount, original_currency,
		submitted_at, status, risk_score, priority_score, ledger_recorded, ledger_flagged
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11, $12
	)`

func bidInsertArgs(b domain.Bid) []any {
	return []any{
		b.ID, b.AuctionID, b.BidderID,
		b.Amount.String(), b.OriginalAmount.String(), b.OriginalCurrency,
		b.SubmittedAt, string(b.Status), b.RiskScore, b.PriorityScore,
		b.LedgerRecorded, b.LedgerFlagged,
	}
}

// Create inserts a bid row.
func (s *BidStore) Create(ctx context.Context, b domain.Bid) error {
	if _, err := s.pool.Exec(ctx, bidInsertSQL, bidInsertArgs(b)...); err != nil {
		return fmt.Errorf("postgres: create bid %s: %w", b.ID, err)
	}
	return nil
}

const bidSelectCols = `id, auction_id, bidder_id, amount, original_amount, original_currency,
	submitted_at, status, risk_score, priority_score, ledger_recorded, ledger_flagged`

// GetByID loads one bid.
func (s *BidStore) GetByID(ctx context.Context, id string) (domain.Bid, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+bidSelectCols+` FROM bids WHERE id = $1`, id)
	b, err := scanBid(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bid{}, domain.ErrNotFound
		}
		return domain.Bid{}, fmt.Errorf("postgres: get bid %s: %w", id, err)
	}
	return b, nil
}

// ListByAuction returns all bids for an auction in submission order,
// rejected ones included.
func (s *BidStore) ListByAuction(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.Bid, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidSelectCols+` FROM bids
		 WHERE auction_id = $1 ORDER BY submitted_at LIMIT $2 OFFSET $3`,
		auctionID, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids for %s: %w", auctionID, err)
	}
	defer rows.Close()

	return collectBids(rows)
}

// ListAccepted returns the auction's accepted bids in submission order, the
// working set an actor rebuilds from after a restart.
func (s *BidStore) ListAccepted(ctx context.Context, auctionID string) ([]domain.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidSelectCols+` FROM bids
		 WHERE auction_id = $1 AND status = $2 ORDER BY submitted_at`,
		auctionID, string(domain.BidAccepted),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accepted bids for %s: %w", auctionID, err)
	}
	defer rows.Close()

	return collectBids(rows)
}

// SetLedgerRecorded marks the bid's ledger append as confirmed.
func (s *BidStore) SetLedgerRecorded(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bids SET ledger_recorded = TRUE, ledger_flagged = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: set ledger recorded %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetLedgerFlagged marks the bid for manual ledger reconciliation.
func (s *BidStore) SetLedgerFlagged(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bids SET ledger_flagged = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: set ledger flagged %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteByAuction removes all of the auction's bids and returns the count,
// used by the retention archiver after export.
func (s *BidStore) DeleteByAuction(ctx context.Context, auctionID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bids WHERE auction_id = $1`, auctionID)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete bids for %s: %w", auctionID, err)
	}
	return tag.RowsAffected(), nil
}

func scanBid(scanner interface{ Scan(dest ...any) error }) (domain.Bid, error) {
	var b domain.Bid
	var amount, originalAmount, status string

	err := scanner.Scan(
		&b.ID, &b.AuctionID, &b.BidderID, &amount, &originalAmount, &b.OriginalCurrency,
		&b.SubmittedAt, &status, &b.RiskScore, &b.PriorityScore, &b.LedgerRecorded, &b.LedgerFlagged,
	)
	if err != nil {
		return domain.Bid{}, err
	}

	b.Status = domain.BidStatus(status)
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Bid{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if b.OriginalAmount, err = decimal.NewFromString(originalAmount); err != nil {
		return domain.Bid{}, fmt.Errorf("parse original amount %q: %w", originalAmount, err)
	}
	return b, nil
}

func collectBids(rows pgx.Rows) ([]domain.Bid, error) {
	var out []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bid: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate bids: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.BidStore = (*BidStore)(nil)

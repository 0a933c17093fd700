package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quikhit/bidengine/internal/domain"
)

// AuctionStore implements domain.AuctionStore using PostgreSQL. The highest
// and winning bids are stored by id and joined back on read.
type AuctionStore struct {
	pool *pgxpool.Pool
}

// NewAuctionStore creates a new AuctionStore backed by the given pool.
func NewAuctionStore(pool *pgxpool.Pool) *AuctionStore {
	return &AuctionStore{pool: pool}
}

// Create inserts a new auction.
func (s *AuctionStore) Create(ctx context.Context, a domain.Auction) error {
	const query = `
		INSERT INTO auctions (
			id, slot_id, status, currency, starting_bid, min_increment,
			start_time, end_time, extensions, highest_bid_id, winning_bid_id,
			created_at, closed_at, settled_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		a.ID, a.SlotID, string(a.Status), a.Currency,
		a.StartingBid.String(), a.MinIncrement.String(),
		a.StartTime, a.EndTime, a.Extensions,
		bidIDOrNil(a.HighestBid), bidIDOrNil(a.WinningBid),
		a.CreatedAt, a.ClosedAt, a.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create auction %s: %w", a.ID, err)
	}
	return nil
}

// Update rewrites the auction's mutable columns. The row must currently hold
// a status that legally precedes a.Status; a replica acting on a stale copy
// matches zero rows and gets ErrStaleAuction instead of resurrecting a
// closed or settled auction.
func (s *AuctionStore) Update(ctx context.Context, a domain.Auction) error {
	tag, err := s.pool.Exec(ctx, auctionUpdateSQL,
		string(a.Status), a.EndTime, a.Extensions,
		bidIDOrNil(a.HighestBid), bidIDOrNil(a.WinningBid),
		a.ClosedAt, a.SettledAt, a.ID, priorStatuses(a.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update auction %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.staleOrMissing(ctx, a.ID)
	}
	return nil
}

// ApplyBid persists an accepted bid and the auction's new state in one
// transaction, so the store can never hold a bid the auction does not
// reflect or vice versa. The auction update matches only a row that is still
// biddable and whose highest bid is below the new amount, which keeps the
// highest amount monotonic even when two replicas run actors for the same
// auction.
func (s *AuctionStore) ApplyBid(ctx context.Context, a domain.Auction, b domain.Bid) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: apply bid %s: begin: %w", b.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, bidInsertSQL, bidInsertArgs(b)...); err != nil {
		return fmt.Errorf("postgres: apply bid %s: insert bid: %w", b.ID, err)
	}

	tag, err := tx.Exec(ctx, auctionApplyBidSQL,
		string(a.Status), a.EndTime, a.Extensions,
		bidIDOrNil(a.HighestBid), bidIDOrNil(a.WinningBid),
		a.ClosedAt, a.SettledAt, a.ID, b.Amount.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: apply bid %s: update auction %s: %w", b.ID, a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// The bid insert rolls back with the transaction.
		return s.staleOrMissing(ctx, a.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: apply bid %s: commit: %w", b.ID, err)
	}
	return nil
}

const auctionUpdateSQL = `
	UPDATE auctions SET
		status = $1, end_time = $2, extensions = $3,
		highest_bid_id = $4, winning_bid_id = $5,
		closed_at = $6, settled_at = $7, updated_at = NOW()
	WHERE id = $8 AND status = ANY($9)`

const auctionApplyBidSQL = `
	UPDATE auctions SET
		status = $1, end_time = $2, extensions = $3,
		highest_bid_id = $4, winning_bid_id = $5,
		closed_at = $6, settled_at = $7, updated_at = NOW()
	WHERE id = $8
		AND status IN ('active', 'extended')
		AND (highest_bid_id IS NULL
			OR $9::numeric > (SELECT amount FROM bids WHERE id = auctions.highest_bid_id))`

// priorStatuses returns the statuses a row may currently hold for a write of
// next to be a legal transition.
func priorStatuses(next domain.AuctionStatus) []string {
	switch next {
	case domain.AuctionActive:
		return []string{string(domain.AuctionPending)}
	case domain.AuctionExtended:
		return []string{string(domain.AuctionActive), string(domain.AuctionExtended)}
	case domain.AuctionClosed:
		return []string{string(domain.AuctionActive), string(domain.AuctionExtended)}
	case domain.AuctionCancelled:
		return []string{
			string(domain.AuctionPending), string(domain.AuctionActive),
			string(domain.AuctionExtended), string(domain.AuctionClosed),
		}
	case domain.AuctionSettled:
		return []string{string(domain.AuctionClosed)}
	default:
		return []string{string(next)}
	}
}

// staleOrMissing reports why a guarded write matched no row.
func (s *AuctionStore) staleOrMissing(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM auctions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: check auction %s: %w", id, err)
	}
	return fmt.Errorf("postgres: auction %s is %s: %w", id, status, domain.ErrStaleAuction)
}

// auctionSelectSQL joins the highest and winning bids back onto the row.
const auctionSelectSQL = `
	SELECT
		a.id, a.slot_id, a.status, a.currency, a.starting_bid, a.min_increment,
		a.start_time, a.end_time, a.extensions, a.created_at, a.closed_at, a.settled_at,
		hb.id, hb.auction_id, hb.bidder_id, hb.amount, hb.original_amount, hb.original_currency,
		hb.submitted_at, hb.status, hb.risk_score, hb.priority_score, hb.ledger_recorded, hb.ledger_flagged,
		wb.id, wb.auction_id, wb.bidder_id, wb.amount, wb.original_amount, wb.original_currency,
		wb.submitted_at, wb.status, wb.risk_score, wb.priority_score, wb.ledger_recorded, wb.ledger_flagged
	FROM auctions a
	LEFT JOIN bids hb ON hb.id = a.highest_bid_id
	LEFT JOIN bids wb ON wb.id = a.winning_bid_id`

// GetByID loads one auction including its highest and winning bids.
func (s *AuctionStore) GetByID(ctx context.Context, id string) (domain.Auction, error) {
	row := s.pool.QueryRow(ctx, auctionSelectSQL+` WHERE a.id = $1`, id)
	a, err := scanAuction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Auction{}, domain.ErrNotFound
		}
		return domain.Auction{}, fmt.Errorf("postgres: get auction %s: %w", id, err)
	}
	return a, nil
}

// List returns auctions ordered by creation time, newest first. An empty
// status matches all statuses.
func (s *AuctionStore) List(ctx context.Context, status domain.AuctionStatus, opts domain.ListOpts) ([]domain.Auction, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx,
			auctionSelectSQL+` ORDER BY a.created_at DESC LIMIT $1 OFFSET $2`,
			limit, opts.Offset,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			auctionSelectSQL+` WHERE a.status = $1 ORDER BY a.created_at DESC LIMIT $2 OFFSET $3`,
			string(status), limit, opts.Offset,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: list auctions: %w", err)
	}
	defer rows.Close()

	return collectAuctions(rows)
}

// ListDueToStart returns pending auctions whose start time has passed.
func (s *AuctionStore) ListDueToStart(ctx context.Context, now time.Time) ([]domain.Auction, error) {
	rows, err := s.pool.Query(ctx,
		auctionSelectSQL+` WHERE a.status = $1 AND a.start_time <= $2 ORDER BY a.start_time`,
		string(domain.AuctionPending), now,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due to start: %w", err)
	}
	defer rows.Close()

	return collectAuctions(rows)
}

// ListDueToClose returns biddable auctions whose end time has passed.
func (s *AuctionStore) ListDueToClose(ctx context.Context, now time.Time) ([]domain.Auction, error) {
	rows, err := s.pool.Query(ctx,
		auctionSelectSQL+` WHERE a.status = ANY($1) AND a.end_time <= $2 ORDER BY a.end_time`,
		[]string{string(domain.AuctionActive), string(domain.AuctionExtended)}, now,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due to close: %w", err)
	}
	defer rows.Close()

	return collectAuctions(rows)
}

// ListSettledBefore returns terminal auctions finalized before the cutoff,
// used by the retention archiver.
func (s *AuctionStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Auction, error) {
	rows, err := s.pool.Query(ctx,
		auctionSelectSQL+`
			WHERE a.status = ANY($1)
			AND COALESCE(a.settled_at, a.closed_at) < $2
			ORDER BY a.settled_at`,
		[]string{string(domain.AuctionSettled), string(domain.AuctionCancelled)}, before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled before: %w", err)
	}
	defer rows.Close()

	return collectAuctions(rows)
}

// Delete removes the auction row. Bid rows are removed separately by the
// archiver after export.
func (s *AuctionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auctions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete auction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func bidIDOrNil(b *domain.Bid) *string {
	if b == nil {
		return nil
	}
	return &b.ID
}

// nullableBid holds the columns of a LEFT JOINed bid row.
type nullableBid struct {
	id, auctionID, bidderID  *string
	amount, originalAmount   *string
	originalCurrency, status *string
	submittedAt              *time.Time
	riskScore, priorityScore *float64
	ledgerRecorded           *bool
	ledgerFlagged            *bool
}

func (nb nullableBid) toBid() (*domain.Bid, error) {
	if nb.id == nil {
		return nil, nil
	}
	amount, err := decimal.NewFromString(*nb.amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", *nb.amount, err)
	}
	original, err := decimal.NewFromString(*nb.originalAmount)
	if err != nil {
		return nil, fmt.Errorf("parse original amount %q: %w", *nb.originalAmount, err)
	}
	return &domain.Bid{
		ID:               *nb.id,
		AuctionID:        *nb.auctionID,
		BidderID:         *nb.bidderID,
		Amount:           amount,
		OriginalAmount:   original,
		OriginalCurrency: *nb.originalCurrency,
		SubmittedAt:      *nb.submittedAt,
		Status:           domain.BidStatus(*nb.status),
		RiskScore:        *nb.riskScore,
		PriorityScore:    *nb.priorityScore,
		LedgerRecorded:   *nb.ledgerRecorded,
		LedgerFlagged:    *nb.ledgerFlagged,
	}, nil
}

func scanAuction(scanner interface{ Scan(dest ...any) error }) (domain.Auction, error) {
	var a domain.Auction
	var status, startingBid, minIncrement string
	var hb, wb nullableBid

	err := scanner.Scan(
		&a.ID, &a.SlotID, &status, &a.Currency, &startingBid, &minIncrement,
		&a.StartTime, &a.EndTime, &a.Extensions, &a.CreatedAt, &a.ClosedAt, &a.SettledAt,
		&hb.id, &hb.auctionID, &hb.bidderID, &hb.amount, &hb.originalAmount, &hb.originalCurrency,
		&hb.submittedAt, &hb.status, &hb.riskScore, &hb.priorityScore, &hb.ledgerRecorded, &hb.ledgerFlagged,
		&wb.id, &wb.auctionID, &wb.bidderID, &wb.amount, &wb.originalAmount, &wb.originalCurrency,
		&wb.submittedAt, &wb.status, &wb.riskScore, &wb.priorityScore, &wb.ledgerRecorded, &wb.ledgerFlagged,
	)
	if err != nil {
		return domain.Auction{}, err
	}

	a.Status = domain.AuctionStatus(status)
	if a.StartingBid, err = decimal.NewFromString(startingBid); err != nil {
		return domain.Auction{}, fmt.Errorf("parse starting bid %q: %w", startingBid, err)
	}
	if a.MinIncrement, err = decimal.NewFromString(minIncrement); err != nil {
		return domain.Auction{}, fmt.Errorf("parse min increment %q: %w", minIncrement, err)
	}
	if a.HighestBid, err = hb.toBid(); err != nil {
		return domain.Auction{}, err
	}
	if a.WinningBid, err = wb.toBid(); err != nil {
		return domain.Auction{}, err
	}
	return a, nil
}

func collectAuctions(rows pgx.Rows) ([]domain.Auction, error) {
	var out []domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan auction: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate auctions: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.AuctionStore = (*AuctionStore)(nil)

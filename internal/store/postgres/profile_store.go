package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quikhit/bidengine/internal/domain"
)

// ProfileStore implements domain.BidderProfileStore using PostgreSQL.
type ProfileStore struct {
	pool *pgxpool.Pool
}

// NewProfileStore creates a new ProfileStore backed by the given pool.
func NewProfileStore(pool *pgxpool.Pool) *ProfileStore {
	return &ProfileStore{pool: pool}
}

const profileSelectCols = `bidder_id, wins, losses, engagement, region, updated_at`

// Get loads one bidder profile. It returns domain.ErrNotFound for bidders
// that have never won, lost, or been synced from the campaign platform.
func (s *ProfileStore) Get(ctx context.Context, bidderID string) (domain.BidderProfile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+profileSelectCols+` FROM bidder_profiles WHERE bidder_id = $1`, bidderID)

	var p domain.BidderProfile
	err := row.Scan(&p.BidderID, &p.Wins, &p.Losses, &p.Engagement, &p.Region, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BidderProfile{}, domain.ErrNotFound
		}
		return domain.BidderProfile{}, fmt.Errorf("postgres: get profile %s: %w", bidderID, err)
	}
	return p, nil
}

// GetBatch loads the profiles for the given bidder ids. Unknown bidders are
// omitted from the result; the ranker treats them as neutral.
func (s *ProfileStore) GetBatch(ctx context.Context, bidderIDs []string) (map[string]domain.BidderProfile, error) {
	if len(bidderIDs) == 0 {
		return map[string]domain.BidderProfile{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+profileSelectCols+` FROM bidder_profiles WHERE bidder_id = ANY($1)`, bidderIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: get profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.BidderProfile, len(bidderIDs))
	for rows.Next() {
		var p domain.BidderProfile
		if err := rows.Scan(&p.BidderID, &p.Wins, &p.Losses, &p.Engagement, &p.Region, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan profile: %w", err)
		}
		out[p.BidderID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate profiles: %w", err)
	}
	return out, nil
}

// Upsert writes the profile's platform-sourced fields, preserving win/loss
// counters on conflict.
func (s *ProfileStore) Upsert(ctx context.Context, p domain.BidderProfile) error {
	const query = `
		INSERT INTO bidder_profiles (bidder_id, wins, losses, engagement, region, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (bidder_id) DO UPDATE SET
			engagement = EXCLUDED.engagement,
			region = EXCLUDED.region,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, p.BidderID, p.Wins, p.Losses, p.Engagement, p.Region); err != nil {
		return fmt.Errorf("postgres: upsert profile %s: %w", p.BidderID, err)
	}
	return nil
}

// RecordOutcome increments the bidder's win or loss counter, creating the
// profile row if the bidder is new.
func (s *ProfileStore) RecordOutcome(ctx context.Context, bidderID string, won bool) error {
	const query = `
		INSERT INTO bidder_profiles (bidder_id, wins, losses, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (bidder_id) DO UPDATE SET
			wins = bidder_profiles.wins + EXCLUDED.wins,
			losses = bidder_profiles.losses + EXCLUDED.losses,
			updated_at = NOW()`

	wins, losses := 0, 1
	if won {
		wins, losses = 1, 0
	}
	if _, err := s.pool.Exec(ctx, query, bidderID, wins, losses); err != nil {
		return fmt.Errorf("postgres: record outcome %s: %w", bidderID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BidderProfileStore = (*ProfileStore)(nil)

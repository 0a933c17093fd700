package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quikhit/bidengine/internal/domain"
)

// snapshotTTL keeps stale snapshots from outliving their auctions when a
// Delete is missed. Live auctions refresh the key on every accepted bid.
const snapshotTTL = 24 * time.Hour

// SnapshotCache implements domain.SnapshotCache storing each auction's
// latest ranking snapshot as a JSON value at "snap:auction:{id}".
type SnapshotCache struct {
	rdb *redis.Client
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying()}
}

func snapshotKey(auctionID string) string {
	return "snap:auction:" + auctionID
}

// Set replaces the cached snapshot for the auction.
func (sc *SnapshotCache) Set(ctx context.Context, snap domain.RankingSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", snap.AuctionID, err)
	}
	if err := sc.rdb.Set(ctx, snapshotKey(snap.AuctionID), payload, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.AuctionID, err)
	}
	return nil
}

// Get returns the cached snapshot, or domain.ErrNotFound when the key is
// absent or expired.
func (sc *SnapshotCache) Get(ctx context.Context, auctionID string) (domain.RankingSnapshot, error) {
	payload, err := sc.rdb.Get(ctx, snapshotKey(auctionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.RankingSnapshot{}, domain.ErrNotFound
		}
		return domain.RankingSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", auctionID, err)
	}

	var snap domain.RankingSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return domain.RankingSnapshot{}, fmt.Errorf("redis: unmarshal snapshot %s: %w", auctionID, err)
	}
	return snap, nil
}

// Delete drops the cached snapshot, typically on auction cancellation.
func (sc *SnapshotCache) Delete(ctx context.Context, auctionID string) error {
	if err := sc.rdb.Del(ctx, snapshotKey(auctionID)).Err(); err != nil {
		return fmt.Errorf("redis: delete snapshot %s: %w", auctionID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)

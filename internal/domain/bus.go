package domain

import (
	"context"
	"time"
)

// StreamMessage is a single entry read from a durable bus stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus is the process-spanning publish-subscribe bus behind the
// broadcast hub. Channels are partitioned by auction id so unrelated
// auctions never block each other; streams provide a bounded durable tail
// for late joiners.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// SnapshotCache holds the latest ranking snapshot per auction so reconnecting
// clients can sync without touching the store.
type SnapshotCache interface {
	Set(ctx context.Context, snap RankingSnapshot) error
	Get(ctx context.Context, auctionID string) (RankingSnapshot, error)
	Delete(ctx context.Context, auctionID string) error
}

// RateLimiter bounds how often a keyed action may occur. The engine uses it
// for the per-bidder bid-velocity pre-screen.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateCache caches currency conversion rates fetched from the external rate
// service.
type RateCache interface {
	SetRate(ctx context.Context, from, to string, rate float64, ts time.Time) error
	GetRate(ctx context.Context, from, to string) (float64, time.Time, error)
}

// LockManager provides coarse distributed mutual exclusion. The retention
// archiver uses it so only one replica prunes at a time.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

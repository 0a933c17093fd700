package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quikhit/bidengine/internal/domain"
)

// RateCache implements domain.RateCache using Redis hashes. Each currency
// pair is stored at key "fxrate:{FROM}:{TO}" with fields "rate" and "ts"
// (Unix nanosecond timestamp). The fx client decides how stale is too stale;
// the TTL here is only a backstop against abandoned pairs.
type RateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRateCache creates a RateCache backed by the given Client. A ttl of zero
// keeps entries until overwritten.
func NewRateCache(c *Client, ttl time.Duration) *RateCache {
	return &RateCache{rdb: c.Underlying(), ttl: ttl}
}

func rateKey(from, to string) string {
	return "fxrate:" + from + ":" + to
}

// SetRate stores the latest conversion rate and its fetch timestamp.
func (rc *RateCache) SetRate(ctx context.Context, from, to string, rate float64, ts time.Time) error {
	key := rateKey(from, to)
	fields := map[string]interface{}{
		"rate": strconv.FormatFloat(rate, 'f', -1, 64),
		"ts":   strconv.FormatInt(ts.UnixNano(), 10),
	}
	pipe := rc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	if rc.ttl > 0 {
		pipe.Expire(ctx, key, rc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set rate %s/%s: %w", from, to, err)
	}
	return nil
}

// GetRate retrieves the cached rate and its fetch timestamp. It returns
// domain.ErrNotFound when the pair has not been cached.
func (rc *RateCache) GetRate(ctx context.Context, from, to string) (float64, time.Time, error) {
	vals, err := rc.rdb.HGetAll(ctx, rateKey(from, to)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get rate %s/%s: %w", from, to, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	rateStr, ok := vals["rate"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	rate, err := strconv.ParseFloat(rateStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse rate %s/%s: %w", from, to, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse rate ts %s/%s: %w", from, to, err)
	}

	return rate, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.RateCache = (*RateCache)(nil)

package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/quikhit/bidengine/internal/blob/s3"
	"github.com/quikhit/bidengine/internal/cache/redis"
	"github.com/quikhit/bidengine/internal/config"
	"github.com/quikhit/bidengine/internal/domain"
	"github.com/quikhit/bidengine/internal/notify"
	"github.com/quikhit/bidengine/internal/platform/fxapi"
	"github.com/quikhit/bidengine/internal/platform/ledgerapi"
	"github.com/quikhit/bidengine/internal/platform/riskapi"
	"github.com/quikhit/bidengine/internal/platform/settleapi"
	"github.com/quikhit/bidengine/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	AuctionStore domain.AuctionStore
	BidStore     domain.BidStore
	ProfileStore domain.BidderProfileStore

	// Redis
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus
	SnapshotCache domain.SnapshotCache
	RateCache     domain.RateCache

	// External collaborators
	Risk      domain.RiskScorer
	Converter domain.CurrencyConverter
	Settler   domain.Settler
	Ledger    domain.Ledger

	// Blob storage, wired only when archiving is enabled
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that must
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.AuctionStore = postgres.NewAuctionStore(pool)
	deps.BidStore = postgres.NewBidStore(pool)
	deps.ProfileStore = postgres.NewProfileStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	streamMaxLen := int64(10000)
	if cfg.Redis.StreamMaxLen > 0 {
		streamMaxLen = int64(cfg.Redis.StreamMaxLen)
	}

	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, streamMaxLen)
	deps.SnapshotCache = redis.NewSnapshotCache(redisClient)
	deps.RateCache = redis.NewRateCache(redisClient, cfg.Fx.CacheTTL.Duration)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- External collaborators ---
	deps.Risk = riskapi.NewClient(cfg.Risk.BaseURL, cfg.Risk.APIKey, cfg.Risk.Timeout.Duration).
		WithNotifier(deps.Notifier)
	deps.Converter = fxapi.NewClient(
		cfg.Fx.BaseURL, cfg.Fx.APIKey, cfg.Fx.Timeout.Duration,
		deps.RateCache, cfg.Fx.CacheTTL.Duration, logger,
	)
	deps.Settler = settleapi.NewClient(cfg.Settlement.BaseURL, cfg.Settlement.APIKey, cfg.Settlement.Timeout.Duration)
	deps.Ledger = ledgerapi.NewClient(cfg.Ledger.BaseURL, cfg.Ledger.APIKey, cfg.Ledger.Timeout.Duration)

	// --- S3 blob storage (only when the retention archiver is on) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
	}

	return deps, cleanup, nil
}

package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quikhit/bidengine/internal/domain"
)

// archiveLockKey guards the sweep so only one replica prunes at a time.
const archiveLockKey = "retention_archive"

// multipartThreshold is the export size in bytes above which the upload is
// split into concurrent parts. Matches the S3 minimum part size.
const multipartThreshold = 5 * 1024 * 1024

// auctionExport is the archived representation of one finished auction:
// the final auction row plus every bid it received, rejections included.
type auctionExport struct {
	Auction    domain.Auction `json:"auction"`
	Bids       []domain.Bid   `json:"bids"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// Archiver implements domain.Archiver: terminal auctions past the retention
// cutoff are exported to blob storage as JSON, then pruned from the primary
// store. An auction is deleted only after its export uploaded, so a failed
// run leaves rows behind rather than losing them.
type Archiver struct {
	writer   domain.BlobWriter
	auctions domain.AuctionStore
	bids     domain.BidStore
	locks    domain.LockManager
	logger   *slog.Logger

	// largeExport is the payload size that switches an upload to PutLarge.
	largeExport int
}

// NewArchiver creates an Archiver. locks may be nil for single-replica
// deployments.
func NewArchiver(
	writer domain.BlobWriter,
	auctions domain.AuctionStore,
	bids domain.BidStore,
	locks domain.LockManager,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:      writer,
		auctions:    auctions,
		bids:        bids,
		locks:       locks,
		logger:      logger.With(slog.String("component", "archiver")),
		largeExport: multipartThreshold,
	}
}

// ArchiveBefore exports and prunes every terminal auction finalized more
// than cutoffDays ago. It returns the number of auctions archived. A lock
// already held by another replica is not an error; the sweep is skipped.
func (ar *Archiver) ArchiveBefore(ctx context.Context, cutoffDays int) (int, error) {
	if ar.locks != nil {
		unlock, err := ar.locks.Acquire(ctx, archiveLockKey, 10*time.Minute)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				ar.logger.InfoContext(ctx, "archive sweep already running elsewhere, skipping")
				return 0, nil
			}
			return 0, fmt.Errorf("s3blob: archive lock: %w", err)
		}
		defer unlock()
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -cutoffDays)
	due, err := ar.auctions.ListSettledBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list auctions for archive: %w", err)
	}

	archived := 0
	for _, a := range due {
		if err := ar.archiveOne(ctx, a); err != nil {
			// Keep sweeping; the failed auction is retried next run.
			ar.logger.ErrorContext(ctx, "archive auction failed",
				slog.String("auction_id", a.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		archived++
	}

	if archived > 0 {
		ar.logger.InfoContext(ctx, "archive sweep complete",
			slog.Int("archived", archived),
			slog.Time("cutoff", cutoff),
		)
	}
	return archived, nil
}

func (ar *Archiver) archiveOne(ctx context.Context, a domain.Auction) error {
	bids, err := ar.bids.ListByAuction(ctx, a.ID, domain.ListOpts{Limit: 10000})
	if err != nil {
		return fmt.Errorf("list bids: %w", err)
	}

	export := auctionExport{
		Auction:    a,
		Bids:       bids,
		ArchivedAt: time.Now().UTC(),
	}
	payload, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}

	key := archiveKey(a)
	put := ar.writer.Put
	if len(payload) >= ar.largeExport {
		put = ar.writer.PutLarge
	}
	if err := put(ctx, key, bytes.NewReader(payload), "application/json"); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	// Prune only after the upload succeeded.
	if _, err := ar.bids.DeleteByAuction(ctx, a.ID); err != nil {
		return fmt.Errorf("prune bids: %w", err)
	}
	if err := ar.auctions.Delete(ctx, a.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("prune auction: %w", err)
	}

	ar.logger.DebugContext(ctx, "auction archived",
		slog.String("auction_id", a.ID),
		slog.String("key", key),
		slog.Int("bids", len(bids)),
	)
	return nil
}

// archiveKey partitions exports by finalization month so prefix listings
// stay cheap: archive/auctions/2026/03/<id>.json.
func archiveKey(a domain.Auction) string {
	ts := a.CreatedAt
	if a.SettledAt != nil {
		ts = *a.SettledAt
	} else if a.ClosedAt != nil {
		ts = *a.ClosedAt
	}
	return fmt.Sprintf("archive/auctions/%04d/%02d/%s.json", ts.Year(), int(ts.Month()), a.ID)
}

// Run sweeps on the given interval until the context is cancelled.
func (ar *Archiver) Run(ctx context.Context, interval time.Duration, retentionDays int) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := ar.ArchiveBefore(ctx, retentionDays); err != nil {
				ar.logger.ErrorContext(ctx, "archive sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)

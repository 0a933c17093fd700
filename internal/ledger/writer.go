// Package ledger queues accepted bids for recording on the external
// transparency ledger. Recording is an audit concern, decoupled from bid
// acceptance: a bid whose write fails stays valid for ranking and is flagged
// for operator follow-up instead.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quikhit/bidengine/internal/domain"
	"github.com/quikhit/bidengine/internal/notify"
)

// Config holds the writer's retry parameters.
type Config struct {
	QueueSize   int
	MaxAttempts int
	BackoffBase time.Duration
}

// Writer drains a bounded queue of accepted bids into the ledger with
// bounded exponential backoff. It implements engine.LedgerQueue.
type Writer struct {
	ledger   domain.Ledger
	bids     domain.BidStore
	notifier *notify.Notifier
	cfg      Config
	queue    chan domain.Bid
	logger   *slog.Logger
}

// NewWriter creates a Writer. Run must be started for queued bids to drain.
func NewWriter(ledger domain.Ledger, bids domain.BidStore, notifier *notify.Notifier, cfg Config, logger *slog.Logger) *Writer {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Writer{
		ledger:   ledger,
		bids:     bids,
		notifier: notifier,
		cfg:      cfg,
		queue:    make(chan domain.Bid, cfg.QueueSize),
		logger:   logger.With(slog.String("component", "ledger_writer")),
	}
}

// Enqueue hands a bid to the writer without blocking the caller. If the
// queue is full the bid is flagged immediately; it stays valid for ranking.
func (w *Writer) Enqueue(bid domain.Bid) {
	select {
	case w.queue <- bid:
	default:
		w.logger.Error("ledger queue full, flagging bid",
			slog.String("bid_id", bid.ID),
		)
		w.flag(context.Background(), bid)
	}
}

// Run drains the queue until the context is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case bid := <-w.queue:
			w.record(ctx, bid)
		}
	}
}

// record retries the ledger append with exponential backoff (base delay
// doubling per attempt) up to the configured attempt cap. Append is
// idempotent on bid id, so a retry after an ambiguous failure is safe.
func (w *Writer) record(ctx context.Context, bid domain.Bid) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := w.cfg.BackoffBase << (attempt - 2)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				w.flag(context.Background(), bid)
				return
			case <-timer.C:
			}
		}

		lastErr = w.ledger.Append(ctx, bid)
		if lastErr == nil {
			if err := w.bids.SetLedgerRecorded(ctx, bid.ID); err != nil {
				w.logger.WarnContext(ctx, "mark ledger recorded failed",
					slog.String("bid_id", bid.ID),
					slog.String("error", err.Error()),
				)
			}
			w.logger.DebugContext(ctx, "bid recorded on ledger",
				slog.String("bid_id", bid.ID),
				slog.Int("attempts", attempt),
			)
			return
		}

		w.logger.WarnContext(ctx, "ledger append failed",
			slog.String("bid_id", bid.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", w.cfg.MaxAttempts),
			slog.String("error", lastErr.Error()),
		)
	}

	w.logger.ErrorContext(ctx, "ledger retries exhausted, flagging bid",
		slog.String("bid_id", bid.ID),
		slog.String("error", lastErr.Error()),
	)
	w.flag(ctx, bid)
	if err := w.notifier.Notify(ctx, "ledger_flagged",
		"Ledger write exhausted retries",
		fmt.Sprintf("bid %s on auction %s needs manual ledger reconciliation: %v", bid.ID, bid.AuctionID, lastErr),
	); err != nil {
		w.logger.WarnContext(ctx, "ledger alert failed", slog.String("error", err.Error()))
	}
}

func (w *Writer) flag(ctx context.Context, bid domain.Bid) {
	if err := w.bids.SetLedgerFlagged(ctx, bid.ID); err != nil {
		w.logger.ErrorContext(ctx, "mark ledger flagged failed",
			slog.String("bid_id", bid.ID),
			slog.String("error", err.Error()),
		)
	}
}

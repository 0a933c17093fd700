package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/quikhit/bidengine/internal/domain"
	"github.com/quikhit/bidengine/internal/notify"
)

// lifecycleTick is how often the manager scans for due transitions. Bids
// inside the snipe window extend EndTime before the scan can observe it, so
// a one second scan granularity is safe.
const lifecycleTick = time.Second

// Lifecycle drives the auction state machine on a timer: pending auctions
// activate at their start time, running auctions close at their end time,
// and closed auctions are handed to the external settlement collaborator
// exactly once per close.
type Lifecycle struct {
	engine        *Engine
	auctions      domain.AuctionStore
	settler       domain.Settler
	settleTimeout time.Duration
	notifier      *notify.Notifier
	logger        *slog.Logger
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(
	engine *Engine,
	auctions domain.AuctionStore,
	settler domain.Settler,
	settleTimeout time.Duration,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Lifecycle {
	return &Lifecycle{
		engine:        engine,
		auctions:      auctions,
		settler:       settler,
		settleTimeout: settleTimeout,
		notifier:      notifier,
		logger:        logger.With(slog.String("component", "lifecycle")),
	}
}

// Run scans for due transitions until the context is cancelled.
func (l *Lifecycle) Run(ctx context.Context) error {
	ticker := time.NewTicker(lifecycleTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick runs one scan. Exported so tests and the admin trigger can drive the
// manager without waiting for the ticker.
func (l *Lifecycle) Tick(ctx context.Context, now time.Time) {
	l.startDue(ctx, now)
	l.closeDue(ctx, now)
}

func (l *Lifecycle) startDue(ctx context.Context, now time.Time) {
	due, err := l.auctions.ListDueToStart(ctx, now)
	if err != nil {
		l.logger.ErrorContext(ctx, "list due-to-start failed", slog.String("error", err.Error()))
		return
	}
	for _, a := range due {
		if err := l.engine.StartAuction(ctx, a.ID); err != nil {
			l.logger.ErrorContext(ctx, "start auction failed",
				slog.String("auction_id", a.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		l.logger.InfoContext(ctx, "auction activated", slog.String("auction_id", a.ID))
	}
}

func (l *Lifecycle) closeDue(ctx context.Context, now time.Time) {
	due, err := l.auctions.ListDueToClose(ctx, now)
	if err != nil {
		l.logger.ErrorContext(ctx, "list due-to-close failed", slog.String("error", err.Error()))
		return
	}
	for _, a := range due {
		if err := l.engine.CloseAuction(ctx, a.ID); err != nil {
			l.logger.ErrorContext(ctx, "close auction failed",
				slog.String("auction_id", a.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		l.logger.InfoContext(ctx, "auction closed", slog.String("auction_id", a.ID))
		l.Settle(ctx, a.ID)
	}
}

// Settle hands the winning bid to the settlement collaborator and marks the
// auction settled on confirmation. An auction with no accepted bids has
// nothing to settle and is finalized immediately. On a timeout or error the
// auction stays Closed and an operator alert goes out instead of retrying
// forever, so a flaky collaborator can never be double-settled.
func (l *Lifecycle) Settle(ctx context.Context, auctionID string) {
	a, err := l.auctions.GetByID(ctx, auctionID)
	if err != nil {
		l.logger.ErrorContext(ctx, "load auction for settlement failed",
			slog.String("auction_id", auctionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if a.Status != domain.AuctionClosed {
		return
	}

	if a.WinningBid != nil {
		settleCtx, cancel := context.WithTimeout(ctx, l.settleTimeout)
		err = l.settler.Settle(settleCtx, a.ID, *a.WinningBid)
		cancel()
		if err != nil {
			l.logger.ErrorContext(ctx, "settlement handoff failed, auction frozen in closed",
				slog.String("auction_id", a.ID),
				slog.String("bid_id", a.WinningBid.ID),
				slog.String("error", err.Error()),
			)
			if nerr := l.notifier.Notify(ctx, "settlement_timeout",
				"Settlement handoff failed",
				"auction "+a.ID+" is frozen in closed pending manual resolution: "+err.Error(),
			); nerr != nil {
				l.logger.WarnContext(ctx, "settlement alert failed", slog.String("error", nerr.Error()))
			}
			return
		}
	}

	if err := l.engine.MarkSettled(ctx, a.ID); err != nil {
		l.logger.ErrorContext(ctx, "mark settled failed",
			slog.String("auction_id", a.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	l.logger.InfoContext(ctx, "auction settled", slog.String("auction_id", a.ID))
}

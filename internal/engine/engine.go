package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quikhit/bidengine/internal/config"
	"github.com/quikhit/bidengine/internal/domain"
	"github.com/quikhit/bidengine/internal/rank"
)

// Engine is the façade the transports talk to. It routes every mutation of
// an auction through that auction's actor and serves reads from the snapshot
// cache or the store.
type Engine struct {
	registry  *Registry
	auctions  domain.AuctionStore
	bids      domain.BidStore
	profiles  domain.BidderProfileStore
	snapshots domain.SnapshotCache
	params    *config.Holder
	logger    *slog.Logger
}

// New creates an Engine and its actor registry.
func New(
	auctions domain.AuctionStore,
	bids domain.BidStore,
	profiles domain.BidderProfileStore,
	risk domain.RiskScorer,
	converter domain.CurrencyConverter,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	snapshots domain.SnapshotCache,
	ledger LedgerQueue,
	params *config.Holder,
	logger *slog.Logger,
) *Engine {
	deps := actorDeps{
		auctions:  auctions,
		bids:      bids,
		profiles:  profiles,
		validator: NewValidator(converter),
		risk:      risk,
		limiter:   limiter,
		bus:       bus,
		snapshots: snapshots,
		ledger:    ledger,
		params:    params,
		logger:    logger.With(slog.String("component", "engine")),
	}
	return &Engine{
		registry:  NewRegistry(deps),
		auctions:  auctions,
		bids:      bids,
		profiles:  profiles,
		snapshots: snapshots,
		params:    params,
		logger:    deps.logger,
	}
}

// CreateAuction validates and persists a new auction in Pending status. The
// lifecycle manager activates it when its start time arrives.
func (e *Engine) CreateAuction(ctx context.Context, in domain.AuctionInput) (domain.Auction, error) {
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	switch {
	case in.SlotID == "":
		return domain.Auction{}, fmt.Errorf("engine: create auction: empty slot id: %w", domain.ErrInvalidBid)
	case len(currency) != 3:
		return domain.Auction{}, fmt.Errorf("engine: create auction: invalid currency %q: %w", in.Currency, domain.ErrInvalidBid)
	case in.StartingBid.IsNegative():
		return domain.Auction{}, fmt.Errorf("engine: create auction: negative starting bid: %w", domain.ErrInvalidBid)
	case !in.MinIncrement.IsPositive():
		return domain.Auction{}, fmt.Errorf("engine: create auction: min increment must be positive: %w", domain.ErrInvalidBid)
	case !in.EndTime.After(in.StartTime):
		return domain.Auction{}, fmt.Errorf("engine: create auction: end time not after start time: %w", domain.ErrInvalidBid)
	}

	a := domain.Auction{
		ID:           uuid.New().String(),
		SlotID:       in.SlotID,
		Status:       domain.AuctionPending,
		Currency:     currency,
		StartingBid:  in.StartingBid,
		MinIncrement: in.MinIncrement,
		StartTime:    in.StartTime.UTC(),
		EndTime:      in.EndTime.UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.auctions.Create(ctx, a); err != nil {
		return domain.Auction{}, fmt.Errorf("engine: create auction: %w", err)
	}
	e.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("slot_id", a.SlotID),
		slog.Time("start_time", a.StartTime),
		slog.Time("end_time", a.EndTime),
	)
	return a, nil
}

// SubmitBid evaluates one bid through the auction's actor. The call is
// synchronous up to the accept/reject decision and bounded by the configured
// submit timeout; ledger recording continues asynchronously.
func (e *Engine) SubmitBid(ctx context.Context, in domain.SubmitBidInput) (domain.BidResult, error) {
	params := e.params.Current()
	ctx, cancel := context.WithTimeout(ctx, params.SubmitTimeout.Duration)
	defer cancel()

	ac, err := e.registry.get(ctx, in.AuctionID)
	if err != nil {
		return domain.BidResult{}, err
	}

	msg := submitMsg{ctx: ctx, input: in, reply: make(chan submitReply, 1)}
	select {
	case ac.inbox <- msg:
	case <-ctx.Done():
		return domain.BidResult{}, fmt.Errorf("engine: submit bid: inbox full: %w", errors.Join(domain.ErrStoreUnavailable, ctx.Err()))
	}

	select {
	case rep := <-msg.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		// The actor will still answer into the buffered reply channel; the
		// caller simply stops waiting. Evaluation deadlines inside the actor
		// share this context, so the pipeline unwinds too.
		return domain.BidResult{}, fmt.Errorf("engine: submit bid: %w", errors.Join(domain.ErrStoreUnavailable, ctx.Err()))
	}
}

// GetAuction returns the persisted auction row.
func (e *Engine) GetAuction(ctx context.Context, id string) (domain.Auction, error) {
	return e.auctions.GetByID(ctx, id)
}

// ListAuctions lists auctions, optionally filtered by status.
func (e *Engine) ListAuctions(ctx context.Context, status domain.AuctionStatus, opts domain.ListOpts) ([]domain.Auction, error) {
	return e.auctions.List(ctx, status, opts)
}

// ListBids returns an auction's bids, rejected ones included, for audit.
func (e *Engine) ListBids(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.Bid, error) {
	return e.bids.ListByAuction(ctx, auctionID, opts)
}

// GetSnapshot returns the latest ranking snapshot for reconnecting clients.
// It serves from the snapshot cache and rebuilds from the store on a miss.
func (e *Engine) GetSnapshot(ctx context.Context, auctionID string) (domain.RankingSnapshot, error) {
	snap, err := e.snapshots.Get(ctx, auctionID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		e.logger.WarnContext(ctx, "snapshot cache get failed, rebuilding from store",
			slog.String("auction_id", auctionID),
			slog.String("error", err.Error()),
		)
	}

	if _, err := e.auctions.GetByID(ctx, auctionID); err != nil {
		return domain.RankingSnapshot{}, fmt.Errorf("engine: get snapshot: %w", err)
	}
	accepted, err := e.bids.ListAccepted(ctx, auctionID)
	if err != nil {
		return domain.RankingSnapshot{}, fmt.Errorf("engine: get snapshot: %w", err)
	}

	ids := make([]string, 0, len(accepted))
	seen := map[string]bool{}
	for _, b := range accepted {
		if !seen[b.BidderID] {
			seen[b.BidderID] = true
			ids = append(ids, b.BidderID)
		}
	}
	profiles := map[string]domain.BidderProfile{}
	if len(ids) > 0 {
		if p, perr := e.profiles.GetBatch(ctx, ids); perr == nil {
			profiles = p
		}
	}

	params := e.params.Current()
	return rank.Rank(auctionID, int64(len(accepted)), accepted, profiles, params.Weights, params.RegionWeights), nil
}

// StartAuction transitions a pending auction to active. Called by the
// lifecycle manager when the start time arrives.
func (e *Engine) StartAuction(ctx context.Context, auctionID string) error {
	return e.control(ctx, auctionID, actionStart)
}

// CloseAuction freezes the auction. Safe to call again on an already closed
// auction, which is how an operator re-drives a stuck settlement.
func (e *Engine) CloseAuction(ctx context.Context, auctionID string) error {
	return e.control(ctx, auctionID, actionClose)
}

// CancelAuction administratively cancels the auction with no winner and
// retires its actor.
func (e *Engine) CancelAuction(ctx context.Context, auctionID string) error {
	if err := e.control(ctx, auctionID, actionCancel); err != nil {
		return err
	}
	e.registry.retire(auctionID)
	if err := e.snapshots.Delete(ctx, auctionID); err != nil {
		e.logger.WarnContext(ctx, "snapshot cache delete failed",
			slog.String("auction_id", auctionID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// MarkSettled records settlement confirmation and retires the actor.
func (e *Engine) MarkSettled(ctx context.Context, auctionID string) error {
	if err := e.control(ctx, auctionID, actionSettle); err != nil {
		return err
	}
	e.registry.retire(auctionID)
	return nil
}

// ActiveActors reports how many auction actors are currently live.
func (e *Engine) ActiveActors() int {
	return e.registry.Active()
}

// Shutdown stops every actor and waits for them to exit.
func (e *Engine) Shutdown() {
	e.registry.Shutdown()
}

func (e *Engine) control(ctx context.Context, auctionID string, action controlAction) error {
	ac, err := e.registry.get(ctx, auctionID)
	if err != nil {
		return err
	}
	msg := controlMsg{ctx: ctx, action: action, reply: make(chan error, 1)}
	select {
	case ac.inbox <- msg:
	case <-ctx.Done():
		return fmt.Errorf("engine: control: %w", ctx.Err())
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("engine: control: %w", ctx.Err())
	}
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quikhit/bidengine/internal/config"
	"github.com/quikhit/bidengine/internal/domain"
	"github.com/quikhit/bidengine/internal/rank"
)

// LedgerQueue receives accepted bids for asynchronous transparency-ledger
// recording. Enqueue must never block the actor.
type LedgerQueue interface {
	Enqueue(bid domain.Bid)
}

// actorDeps bundles everything an actor needs. The registry fills it once
// and shares it across all actors.
type actorDeps struct {
	auctions  domain.AuctionStore
	bids      domain.BidStore
	profiles  domain.BidderProfileStore
	validator *Validator
	risk      domain.RiskScorer
	limiter   domain.RateLimiter
	bus       domain.SignalBus
	snapshots domain.SnapshotCache
	ledger    LedgerQueue
	params    *config.Holder
	logger    *slog.Logger
}

// submitReply carries the outcome of one submission back to the caller.
type submitReply struct {
	result domain.BidResult
	err    error
}

type submitMsg struct {
	ctx   context.Context
	input domain.SubmitBidInput
	reply chan submitReply
}

// controlAction is an administrative or scheduler-driven state transition.
type controlAction int

const (
	actionStart controlAction = iota
	actionClose
	actionCancel
	actionSettle
)

type controlMsg struct {
	ctx    context.Context
	action controlAction
	reply  chan error
}

// actor is the serialized execution context for one auction. Every
// submission or transition for the auction flows through its inbox in FIFO
// order, which upholds the monotonic-highest-bid invariant without shared
// locks. Another replica may run an actor for the same auction; the store's
// guarded writes arbitrate those races, and a write that loses refreshes
// this actor's state.
type actor struct {
	auctionID string
	inbox     chan any
	deps      actorDeps
	logger    *slog.Logger

	// State below is owned by the run goroutine; nothing else touches it.
	state    domain.Auction
	accepted []domain.Bid
	version  int64
}

// newActor creates an actor seeded with the auction's persisted state and
// its accepted bids, so ranking and stale checks never re-query the store on
// the hot path.
func newActor(a domain.Auction, accepted []domain.Bid, deps actorDeps) *actor {
	return &actor{
		auctionID: a.ID,
		inbox:     make(chan any, deps.params.Current().InboxSize),
		deps:      deps,
		logger:    deps.logger.With(slog.String("component", "actor"), slog.String("auction_id", a.ID)),
		state:     a,
		accepted:  accepted,
		version:   int64(len(accepted)),
	}
}

// run processes the inbox until the context is cancelled or the inbox is
// closed. One message is handled fully before the next is dequeued.
func (ac *actor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			ac.drain(ctx.Err())
			return
		case msg, ok := <-ac.inbox:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case submitMsg:
				res, err := ac.handleSubmit(m.ctx, m.input)
				m.reply <- submitReply{result: res, err: err}
			case controlMsg:
				m.reply <- ac.handleControl(m.ctx, m.action)
			}
		}
	}
}

// drain fails every queued message so no caller is left waiting after
// shutdown.
func (ac *actor) drain(cause error) {
	for {
		select {
		case msg, ok := <-ac.inbox:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case submitMsg:
				m.reply <- submitReply{err: fmt.Errorf("actor %s: %w", ac.auctionID, errors.Join(domain.ErrContextDone, cause))}
			case controlMsg:
				m.reply <- fmt.Errorf("actor %s: %w", ac.auctionID, domain.ErrContextDone)
			}
		default:
			return
		}
	}
}

// handleSubmit runs the full evaluation pipeline for one bid: validate,
// velocity pre-screen, risk screen, persist, snipe extension, rank, publish,
// ledger enqueue. A store failure during the accept step leaves the actor's
// in-memory auction untouched and surfaces as a transient error.
func (ac *actor) handleSubmit(ctx context.Context, in domain.SubmitBidInput) (domain.BidResult, error) {
	params := ac.deps.params.Current()
	now := time.Now().UTC()

	// 1. Local validation. Business-rule rejections are persisted for audit
	// and returned without consulting the risk screen.
	bid, err := ac.deps.validator.Validate(ctx, ac.state, in, now)
	if err != nil {
		if domain.Transient(err) {
			return domain.BidResult{}, err
		}
		ac.persistRejected(ctx, bid)
		return rejectedResult(bid, err), nil
	}

	// 2a. Velocity pre-screen: bounds abusive clients before the risk screen
	// is even called. A limiter outage fails open; this is a load guard, not
	// a correctness gate.
	velocityKey := "velocity:" + ac.auctionID + ":" + bid.BidderID
	allowed, verr := ac.deps.limiter.Allow(ctx, velocityKey, 1, params.VelocityInterval.Duration)
	if verr != nil {
		ac.logger.WarnContext(ctx, "velocity limiter unavailable, skipping pre-screen",
			slog.String("error", verr.Error()),
		)
	} else if !allowed {
		bid.Status = domain.BidRejectedInvalid
		ac.persistRejected(ctx, bid)
		return rejectedResult(bid, domain.ErrBidVelocity), nil
	}

	// 2b. Risk screen, fail-closed: an unscreened bid is never accepted.
	score, rerr := ac.deps.risk.Score(ctx, bid)
	if rerr != nil {
		ac.logger.WarnContext(ctx, "risk screen unavailable",
			slog.String("bid_id", bid.ID),
			slog.String("error", rerr.Error()),
		)
		return domain.BidResult{}, fmt.Errorf("actor %s: risk screen: %w", ac.auctionID, domain.ErrRiskUnavailable)
	}
	bid.RiskScore = score
	if score > params.FraudThreshold {
		bid.Status = domain.BidRejectedFraud
		ac.persistRejected(ctx, bid)
		return rejectedResult(bid, domain.ErrFraudRejected), nil
	}

	// 3. Accept. All mutations happen on a copy; the copy becomes the
	// actor's state only after the store write succeeds.
	bid.Status = domain.BidAccepted
	next := ac.state.Clone()
	next.HighestBid = &bid

	// 4. Anti-snipe extension, capped by the extension budget.
	if next.EndTime.Sub(bid.SubmittedAt) <= params.SnipeWindow.Duration && next.Extensions < params.MaxExtensions {
		next.EndTime = next.EndTime.Add(params.ExtensionIncrement.Duration)
		next.Extensions++
		next.Status = domain.AuctionExtended
	}

	if err := ac.deps.auctions.ApplyBid(ctx, next, bid); err != nil {
		if errors.Is(err, domain.ErrStaleAuction) {
			return ac.rejectStale(ctx, bid)
		}
		return domain.BidResult{}, fmt.Errorf("actor %s: persist accepted bid: %w", ac.auctionID, errors.Join(domain.ErrStoreUnavailable, err))
	}

	extended := next.Extensions > ac.state.Extensions
	ac.state = next
	ac.accepted = append(ac.accepted, bid)
	ac.version++

	// 5. Recompute the ranking snapshot.
	snap := ac.rankSnapshot(ctx, params)

	// 6. Publish the state change. Broadcast failures never affect the
	// accepted bid.
	eventType := domain.EventBidAccepted
	if extended {
		eventType = domain.EventAuctionExtended
	}
	ac.publish(ctx, eventType, &snap)

	// 7. Queue the transparency-ledger write off the critical path.
	ac.deps.ledger.Enqueue(bid)

	rk := snap.RankOf(bid.ID)
	var priority float64
	for _, e := range snap.Entries {
		if e.BidID == bid.ID {
			priority = e.PriorityScore
			break
		}
	}
	return domain.BidResult{
		BidID:         bid.ID,
		Status:        domain.BidAccepted,
		PriorityScore: priority,
		Rank:          rk,
	}, nil
}

// rejectStale handles a guarded write that matched no row: another process
// moved the auction while this actor held an older copy. The actor reloads
// persisted state and rejects the bid against it instead of trusting its own.
func (ac *actor) rejectStale(ctx context.Context, bid domain.Bid) (domain.BidResult, error) {
	if err := ac.refresh(ctx); err != nil {
		return domain.BidResult{}, fmt.Errorf("actor %s: refresh after stale write: %w", ac.auctionID, errors.Join(domain.ErrStoreUnavailable, err))
	}
	cause := domain.ErrBidTooLow
	if !ac.state.Status.Biddable() {
		cause = domain.ErrAuctionNotBiddable
	}
	bid.Status = domain.BidRejectedStale
	ac.persistRejected(ctx, bid)
	ac.logger.InfoContext(ctx, "stale state detected, reloaded from store",
		slog.String("bid_id", bid.ID),
		slog.String("status", string(ac.state.Status)),
	)
	return rejectedResult(bid, cause), nil
}

// refresh replaces the actor's in-memory view with the persisted one.
func (ac *actor) refresh(ctx context.Context) error {
	a, err := ac.deps.auctions.GetByID(ctx, ac.auctionID)
	if err != nil {
		return err
	}
	accepted, err := ac.deps.bids.ListAccepted(ctx, ac.auctionID)
	if err != nil {
		return err
	}
	ac.state = a
	ac.accepted = accepted
	ac.version = int64(len(accepted))
	return nil
}

// handleControl applies a lifecycle transition. Transitions are idempotent
// where re-delivery is possible (a start tick racing an admin close, a
// settlement retry on an already closed auction).
func (ac *actor) handleControl(ctx context.Context, action controlAction) error {
	switch action {
	case actionStart:
		return ac.start(ctx)
	case actionClose:
		return ac.close(ctx, false)
	case actionCancel:
		return ac.close(ctx, true)
	case actionSettle:
		return ac.settle(ctx)
	default:
		return fmt.Errorf("actor %s: unknown control action %d", ac.auctionID, action)
	}
}

func (ac *actor) start(ctx context.Context) error {
	if ac.state.Status != domain.AuctionPending {
		return nil
	}
	next := ac.state.Clone()
	next.Status = domain.AuctionActive
	if err := ac.deps.auctions.Update(ctx, next); err != nil {
		// Another process already activated (or closed) it.
		if errors.Is(err, domain.ErrStaleAuction) && ac.refresh(ctx) == nil && ac.state.Status != domain.AuctionPending {
			return nil
		}
		return fmt.Errorf("actor %s: start: %w", ac.auctionID, errors.Join(domain.ErrStoreUnavailable, err))
	}
	ac.state = next
	ac.publish(ctx, domain.EventAuctionStarted, nil)
	return nil
}

// close freezes the auction. For a cancel there is no winner and any pending
// settlement handoff is abandoned; for a regular close the final snapshot is
// frozen and published so subscribers see the definitive order.
func (ac *actor) close(ctx context.Context, cancel bool) error {
	if ac.state.Status.Terminal() {
		return domain.ErrAuctionTerminal
	}
	if ac.state.Status == domain.AuctionClosed && !cancel {
		// Already closed; nothing further until settlement confirms.
		return nil
	}

	next := ac.state.Clone()
	now := time.Now().UTC()
	next.ClosedAt = &now
	if cancel {
		next.Status = domain.AuctionCancelled
		next.WinningBid = nil
	} else {
		next.Status = domain.AuctionClosed
		next.WinningBid = next.HighestBid
	}

	if err := ac.deps.auctions.Update(ctx, next); err != nil {
		if errors.Is(err, domain.ErrStaleAuction) && ac.refresh(ctx) == nil {
			if ac.state.Status.Terminal() {
				return domain.ErrAuctionTerminal
			}
			if ac.state.Status == domain.AuctionClosed && !cancel {
				return nil
			}
		}
		return fmt.Errorf("actor %s: close: %w", ac.auctionID, errors.Join(domain.ErrStoreUnavailable, err))
	}
	ac.state = next

	params := ac.deps.params.Current()
	snap := ac.rankSnapshot(ctx, params)
	if cancel {
		ac.publish(ctx, domain.EventAuctionCancelled, &snap)
	} else {
		ac.publish(ctx, domain.EventAuctionClosed, &snap)
	}
	return nil
}

// settle records the external settlement confirmation and the win/loss
// outcomes for the bidders involved.
func (ac *actor) settle(ctx context.Context) error {
	if ac.state.Status == domain.AuctionSettled {
		return nil
	}
	if ac.state.Status != domain.AuctionClosed {
		return fmt.Errorf("actor %s: settle from status %s: %w", ac.auctionID, ac.state.Status, domain.ErrAuctionTerminal)
	}

	next := ac.state.Clone()
	now := time.Now().UTC()
	next.Status = domain.AuctionSettled
	next.SettledAt = &now
	if err := ac.deps.auctions.Update(ctx, next); err != nil {
		// A concurrent settle already landed.
		if errors.Is(err, domain.ErrStaleAuction) && ac.refresh(ctx) == nil && ac.state.Status == domain.AuctionSettled {
			return nil
		}
		return fmt.Errorf("actor %s: settle: %w", ac.auctionID, errors.Join(domain.ErrStoreUnavailable, err))
	}
	ac.state = next

	ac.recordOutcomes(ctx)
	ac.publish(ctx, domain.EventAuctionSettled, nil)
	return nil
}

// recordOutcomes updates bidder win/loss counters after settlement. Failures
// only degrade future ranking inputs, so they are logged and ignored.
func (ac *actor) recordOutcomes(ctx context.Context) {
	if ac.state.WinningBid == nil {
		return
	}
	winner := ac.state.WinningBid.BidderID
	seen := map[string]bool{}
	for _, b := range ac.accepted {
		if seen[b.BidderID] {
			continue
		}
		seen[b.BidderID] = true
		if err := ac.deps.profiles.RecordOutcome(ctx, b.BidderID, b.BidderID == winner); err != nil {
			ac.logger.WarnContext(ctx, "record outcome failed",
				slog.String("bidder_id", b.BidderID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// rankSnapshot regenerates the ranking snapshot from the actor's accepted
// bids and caches it for sync pulls. Profile lookup failure degrades to
// amount-only ranking rather than blocking the bid.
func (ac *actor) rankSnapshot(ctx context.Context, params *config.EngineParams) domain.RankingSnapshot {
	profiles, err := ac.loadProfiles(ctx)
	if err != nil {
		ac.logger.WarnContext(ctx, "profile lookup failed, ranking on amount only",
			slog.String("error", err.Error()),
		)
		profiles = map[string]domain.BidderProfile{}
	}

	snap := rank.Rank(ac.auctionID, ac.version, ac.accepted, profiles, params.Weights, params.RegionWeights)
	if err := ac.deps.snapshots.Set(ctx, snap); err != nil {
		ac.logger.WarnContext(ctx, "snapshot cache set failed",
			slog.String("error", err.Error()),
		)
	}
	return snap
}

func (ac *actor) loadProfiles(ctx context.Context) (map[string]domain.BidderProfile, error) {
	ids := make([]string, 0, len(ac.accepted))
	seen := map[string]bool{}
	for _, b := range ac.accepted {
		if !seen[b.BidderID] {
			seen[b.BidderID] = true
			ids = append(ids, b.BidderID)
		}
	}
	if len(ids) == 0 {
		return map[string]domain.BidderProfile{}, nil
	}
	return ac.deps.profiles.GetBatch(ctx, ids)
}

// publish emits a StateChangeEvent on the auction's bus channel and appends
// it to the durable event stream. Both are best effort.
func (ac *actor) publish(ctx context.Context, t domain.EventType, snap *domain.RankingSnapshot) {
	ev := domain.StateChangeEvent{
		Type:       t,
		AuctionID:  ac.auctionID,
		Status:     ac.state.Status,
		HighestBid: ac.state.HighestBid,
		Snapshot:   snap,
		EndTime:    ac.state.EndTime,
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		ac.logger.ErrorContext(ctx, "marshal event", slog.String("error", err.Error()))
		return
	}
	if err := ac.deps.bus.Publish(ctx, domain.AuctionChannel(ac.auctionID), payload); err != nil {
		ac.logger.WarnContext(ctx, "bus publish failed",
			slog.String("channel", domain.AuctionChannel(ac.auctionID)),
			slog.String("error", err.Error()),
		)
	}
	if err := ac.deps.bus.StreamAppend(ctx, domain.EventStream, payload); err != nil {
		ac.logger.WarnContext(ctx, "event stream append failed",
			slog.String("error", err.Error()),
		)
	}
}

// persistRejected records a rejected bid for audit. The rejection decision
// is deterministic and local, so a failed audit write is logged rather than
// turned into a transient error for the bidder.
func (ac *actor) persistRejected(ctx context.Context, bid domain.Bid) {
	if err := ac.deps.bids.Create(ctx, bid); err != nil {
		ac.logger.ErrorContext(ctx, "persist rejected bid failed",
			slog.String("bid_id", bid.ID),
			slog.String("status", string(bid.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func rejectedResult(bid domain.Bid, cause error) domain.BidResult {
	return domain.BidResult{
		BidID:  bid.ID,
		Status: bid.Status,
		Reason: cause.Error(),
	}
}

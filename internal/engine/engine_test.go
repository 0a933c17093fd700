package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/quikhit/bidengine/internal/config"
	"github.com/quikhit/bidengine/internal/domain"
)

type testEnv struct {
	store    *memStore
	profiles *memProfiles
	risk     *fakeRisk
	limiter  *memLimiter
	bus      *memBus
	snaps    *memSnapshots
	ledger   *memLedgerQueue
	holder   *config.Holder
	engine   *Engine
}

func testParams() config.EngineParams {
	p := config.Defaults().Engine
	// Keep the velocity window negligible so back-to-back submissions from one
	// bidder in a test are not throttled unless a test opts in.
	p.VelocityInterval.Duration = time.Millisecond
	p.SubmitTimeout.Duration = 2 * time.Second
	return p
}

func newTestEnv(t *testing.T, params config.EngineParams) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    newMemStore(),
		profiles: newMemProfiles(),
		risk:     &fakeRisk{score: 0.1},
		limiter:  newMemLimiter(),
		bus:      &memBus{},
		snaps:    newMemSnapshots(),
		ledger:   &memLedgerQueue{},
		holder:   config.NewHolder(params),
	}
	env.engine = New(
		env.store,
		bidStoreAdapter{env.store},
		env.profiles,
		env.risk,
		&fakeConverter{rates: map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.1)}},
		env.limiter,
		env.bus,
		env.snaps,
		env.ledger,
		env.holder,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	t.Cleanup(env.engine.Shutdown)
	return env
}

// newPeerEnv builds a second engine over the same store, bus, and snapshot
// cache, modelling another replica evaluating the same auctions.
func newPeerEnv(t *testing.T, base *testEnv) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    base.store,
		profiles: base.profiles,
		risk:     &fakeRisk{score: 0.1},
		limiter:  newMemLimiter(),
		bus:      base.bus,
		snaps:    base.snaps,
		ledger:   &memLedgerQueue{},
		holder:   base.holder,
	}
	env.engine = New(
		env.store,
		bidStoreAdapter{env.store},
		env.profiles,
		env.risk,
		&fakeConverter{rates: map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.1)}},
		env.limiter,
		env.bus,
		env.snaps,
		env.ledger,
		env.holder,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	t.Cleanup(env.engine.Shutdown)
	return env
}

// seedActive persists an auction already in Active status so an actor can be
// spawned for it directly.
func (env *testEnv) seedActive(t *testing.T, id string, starting, increment float64, endsIn time.Duration) domain.Auction {
	t.Helper()
	now := time.Now().UTC()
	a := domain.Auction{
		ID:           id,
		SlotID:       "slot-" + id,
		Status:       domain.AuctionActive,
		Currency:     "USD",
		StartingBid:  decimal.NewFromFloat(starting),
		MinIncrement: decimal.NewFromFloat(increment),
		StartTime:    now.Add(-time.Minute),
		EndTime:      now.Add(endsIn),
		CreatedAt:    now.Add(-time.Minute),
	}
	check.Nil(t, env.store.Create(context.Background(), a))
	return a
}

func submit(env *testEnv, auctionID, bidderID string, amount float64) (domain.BidResult, error) {
	return env.engine.SubmitBid(context.Background(), domain.SubmitBidInput{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    decimal.NewFromFloat(amount),
		Currency:  "USD",
	})
}

func TestSubmitBid_AcceptAndRank(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.seedActive(t, "a1", 10, 1, time.Hour)

	res, err := submit(env, "a1", "alice", 15)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)
	check.Equal(t, 1, res.Rank)

	res2, err := submit(env, "a1", "bob", 20)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res2.Status)
	check.Equal(t, 1, res2.Rank)

	// Persisted auction reflects the new highest bid.
	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.NotNil(t, a.HighestBid)
	check.Equal(t, "bob", a.HighestBid.BidderID)
	check.True(t, a.HighestBid.Amount.Equal(decimal.NewFromInt(20)))

	// Both accepted bids are queued for the ledger and a snapshot is cached.
	check.Equal(t, 2, env.ledger.count())
	snap, err := env.snaps.Get(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, 2, len(snap.Entries))
	check.Equal(t, "bob", snap.Entries[0].BidderID)
	check.Equal(t, "alice", snap.Entries[1].BidderID)

	// Two bid_accepted events on the auction channel.
	check.Equal(t, 2, len(env.bus.publishedOn(domain.AuctionChannel("a1"))))
}

func TestSubmitBid_HighestBidMonotonic(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.seedActive(t, "a1", 10, 1, time.Hour)

	res, err := submit(env, "a1", "alice", 50)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)

	// Equal to the current highest: below highest+increment, so stale.
	res, err = submit(env, "a1", "bob", 50)
	check.Nil(t, err)
	check.Equal(t, domain.BidRejectedStale, res.Status)

	// Above highest but below the increment step: still stale.
	res, err = submit(env, "a1", "carol", 50.5)
	check.Nil(t, err)
	check.Equal(t, domain.BidRejectedStale, res.Status)

	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, "alice", a.HighestBid.BidderID)

	// Rejections are persisted for audit with their status.
	bids, err := env.store.ListByAuction(context.Background(), "a1", domain.ListOpts{})
	check.Nil(t, err)
	check.Equal(t, 3, len(bids))
}

func TestSubmitBid_RiskFailClosed(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.seedActive(t, "a1", 10, 1, time.Hour)
	env.risk.err = errors.New("risk api 503")

	_, err := submit(env, "a1", "alice", 15)
	check.True(t, errors.Is(err, domain.ErrRiskUnavailable))
	check.True(t, domain.Transient(err))

	// Nothing persisted, nothing queued.
	a, _ := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, a.HighestBid)
	check.Equal(t, 0, env.ledger.count())

	// The screen recovering lets the same bid through.
	env.risk.err = nil
	res, err := submit(env, "a1", "alice", 15)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)
}

func TestSubmitBid_FraudRejected(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.seedActive(t, "a1", 10, 1, time.Hour)
	env.risk.scores = map[string]float64{"mallory": 0.95}

	res, err := submit(env, "a1", "mallory", 100)
	check.Nil(t, err)
	check.Equal(t, domain.BidRejectedFraud, res.Status)
	check.True(t, strings.Contains(res.Reason, domain.ErrFraudRejected.Error()))

	// Exactly at the threshold is not fraud; the comparison is strict.
	env.risk.scores["edge"] = 0.8
	res, err = submit(env, "a1", "edge", 100)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)
}

func TestSubmitBid_VelocityThrottled(t *testing.T) {
	params := testParams()
	params.VelocityInterval.Duration = time.Second
	env := newTestEnv(t, params)
	env.seedActive(t, "a1", 10, 1, time.Hour)

	res, err := submit(env, "a1", "alice", 15)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)

	res, err = submit(env, "a1", "alice", 20)
	check.Nil(t, err)
	check.Equal(t, domain.BidRejectedInvalid, res.Status)
	check.True(t, strings.Contains(res.Reason, domain.ErrBidVelocity.Error()))

	// A different bidder is unaffected.
	res, err = submit(env, "a1", "bob", 20)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)
}

func TestSubmitBid_VelocityFailsOpen(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.seedActive(t, "a1", 10, 1, time.Hour)
	env.limiter.err = errors.New("redis down")

	res, err := submit(env, "a1", "alice", 15)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)
}

func TestSubmitBid_StoreFailureLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.seedActive(t, "a1", 10, 1, time.Hour)

	res, err := submit(env, "a1", "alice", 15)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)

	env.store.failApply = errors.New("connection reset")
	_, err = submit(env, "a1", "bob", 20)
	check.True(t, errors.Is(err, domain.ErrStoreUnavailable))

	// The actor's view did not advance: the next bid is still judged against
	// alice's 15, so 16 is acceptable.
	env.store.failApply = nil
	res, err = submit(env, "a1", "carol", 16)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)
}

func TestSubmitBid_SnipeExtension(t *testing.T) {
	params := testParams()
	params.MaxExtensions = 2
	env := newTestEnv(t, params)
	a := env.seedActive(t, "a1", 10, 1, 10*time.Second) // inside the 30s window

	res, err := submit(env, "a1", "alice", 15)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)

	got, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionExtended, got.Status)
	check.Equal(t, 1, got.Extensions)
	check.True(t, got.EndTime.Equal(a.EndTime.Add(params.ExtensionIncrement.Duration)))

	// The extended end time is outside the snipe window, so the next bid does
	// not extend again.
	res, err = submit(env, "a1", "bob", 20)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)
	got, err = env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, 1, got.Extensions)
}

func TestSubmitBid_ExtensionBudgetExhausted(t *testing.T) {
	params := testParams()
	params.MaxExtensions = 0
	env := newTestEnv(t, params)
	a := env.seedActive(t, "a1", 10, 1, 10*time.Second)

	res, err := submit(env, "a1", "alice", 15)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)

	got, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionActive, got.Status)
	check.Equal(t, 0, got.Extensions)
	check.True(t, got.EndTime.Equal(a.EndTime))
}

func TestSubmitBid_CurrencyNormalized(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.seedActive(t, "a1", 10, 1, time.Hour)

	res, err := env.engine.SubmitBid(context.Background(), domain.SubmitBidInput{
		AuctionID: "a1",
		BidderID:  "alice",
		Amount:    decimal.NewFromInt(20),
		Currency:  "EUR",
	})
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)

	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.True(t, a.HighestBid.Amount.Equal(decimal.NewFromInt(22))) // 20 * 1.1
	check.True(t, a.HighestBid.OriginalAmount.Equal(decimal.NewFromInt(20)))
	check.Equal(t, "EUR", a.HighestBid.OriginalCurrency)
}

func TestSubmitBid_SerializedPerAuction(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.seedActive(t, "a1", 0, 1, time.Hour)

	// Many bidders race the same auction; every amount is distinct so exactly
	// the strictly increasing subsequence observed by the actor is accepted.
	const n = 50
	var wg sync.WaitGroup
	results := make([]domain.BidResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := submit(env, "a1", fmt.Sprintf("bidder-%02d", i), float64(i)+0.5)
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, r := range results {
		if r.Status == domain.BidAccepted {
			accepted++
		}
	}
	check.True(t, accepted >= 1)

	// The stored highest bid is the maximum of all accepted bids, and the
	// cached snapshot agrees with the store about how many were accepted.
	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.NotNil(t, a.HighestBid)
	stored, err := env.store.ListAccepted(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, accepted, len(stored))
	for _, b := range stored {
		check.True(t, b.Amount.LessThanOrEqual(a.HighestBid.Amount))
	}
	snap, err := env.snaps.Get(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, accepted, len(snap.Entries))
	check.Equal(t, a.HighestBid.ID, snap.Entries[0].BidID)
}

func TestCreateAuction_Validation(t *testing.T) {
	env := newTestEnv(t, testParams())
	now := time.Now().UTC()
	valid := domain.AuctionInput{
		SlotID:       "slot-1",
		Currency:     "usd",
		StartingBid:  decimal.NewFromInt(10),
		MinIncrement: decimal.NewFromInt(1),
		StartTime:    now.Add(time.Minute),
		EndTime:      now.Add(time.Hour),
	}

	a, err := env.engine.CreateAuction(context.Background(), valid)
	check.Nil(t, err)
	check.Equal(t, domain.AuctionPending, a.Status)
	check.Equal(t, "USD", a.Currency)

	for name, mutate := range map[string]func(*domain.AuctionInput){
		"empty slot":         func(in *domain.AuctionInput) { in.SlotID = "" },
		"bad currency":       func(in *domain.AuctionInput) { in.Currency = "DOLLARS" },
		"negative start bid": func(in *domain.AuctionInput) { in.StartingBid = decimal.NewFromInt(-1) },
		"zero increment":     func(in *domain.AuctionInput) { in.MinIncrement = decimal.Zero },
		"end before start":   func(in *domain.AuctionInput) { in.EndTime = in.StartTime },
	} {
		t.Run(name, func(t *testing.T) {
			in := valid
			mutate(&in)
			_, err := env.engine.CreateAuction(context.Background(), in)
			check.True(t, errors.Is(err, domain.ErrInvalidBid))
		})
	}
}

func TestCloseAuction_FreezesAndSettles(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.seedActive(t, "a1", 10, 1, time.Hour)

	_, err := submit(env, "a1", "alice", 15)
	check.Nil(t, err)
	_, err = submit(env, "a1", "bob", 20)
	check.Nil(t, err)

	check.Nil(t, env.engine.CloseAuction(context.Background(), "a1"))
	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionClosed, a.Status)
	check.NotNil(t, a.ClosedAt)
	check.NotNil(t, a.WinningBid)
	check.Equal(t, "bob", a.WinningBid.BidderID)

	// Bids after close are rejected.
	res, err := submit(env, "a1", "carol", 30)
	check.Nil(t, err)
	check.Equal(t, domain.BidRejectedInvalid, res.Status)

	// A second close on an already closed auction is a no-op, so settlement
	// can be re-driven safely.
	check.Nil(t, env.engine.CloseAuction(context.Background(), "a1"))

	check.Nil(t, env.engine.MarkSettled(context.Background(), "a1"))
	a, err = env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionSettled, a.Status)
	check.NotNil(t, a.SettledAt)

	// Outcomes recorded: bob won, alice lost.
	check.Equal(t, []bool{true}, env.profiles.outcomes["bob"])
	check.Equal(t, []bool{false}, env.profiles.outcomes["alice"])

	// The actor is retired once settled.
	check.Equal(t, 0, env.engine.ActiveActors())
}

func TestCancelAuction(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.seedActive(t, "a1", 10, 1, time.Hour)

	_, err := submit(env, "a1", "alice", 15)
	check.Nil(t, err)

	check.Nil(t, env.engine.CancelAuction(context.Background(), "a1"))
	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionCancelled, a.Status)
	check.Nil(t, a.WinningBid)

	// Cancelling a terminal auction fails.
	err = env.engine.CancelAuction(context.Background(), "a1")
	check.True(t, errors.Is(err, domain.ErrAuctionTerminal))

	// The cached snapshot is dropped with the auction.
	_, err = env.snaps.Get(context.Background(), "a1")
	check.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestGetSnapshot_RebuildsFromStore(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.seedActive(t, "a1", 10, 1, time.Hour)

	_, err := submit(env, "a1", "alice", 15)
	check.Nil(t, err)
	_, err = submit(env, "a1", "bob", 20)
	check.Nil(t, err)

	// Simulate a cache eviction; the snapshot is rebuilt from persisted bids.
	check.Nil(t, env.snaps.Delete(context.Background(), "a1"))
	snap, err := env.engine.GetSnapshot(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, 2, len(snap.Entries))
	check.Equal(t, "bob", snap.Entries[0].BidderID)
}

func TestSubmitBid_ParamsHotReload(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.seedActive(t, "a1", 10, 1, time.Hour)
	env.risk.scores = map[string]float64{"gray": 0.5}

	res, err := submit(env, "a1", "gray", 15)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)

	// Tighten the fraud threshold below gray's score; the next bid reads the
	// new params.
	p := testParams()
	p.FraudThreshold = 0.4
	check.Nil(t, env.holder.Swap(p))

	res, err = submit(env, "a1", "gray", 20)
	check.Nil(t, err)
	check.Equal(t, domain.BidRejectedFraud, res.Status)
}

func TestSubmitBid_StaleActorAfterPeerClose(t *testing.T) {
	env := newTestEnv(t, testParams())
	peer := newPeerEnv(t, env)
	env.seedActive(t, "a1", 10, 1, time.Hour)

	res, err := submit(env, "a1", "alice", 20)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)

	// The peer replica closes the auction; env's actor still holds an
	// active copy.
	check.Nil(t, peer.engine.CloseAuction(context.Background(), "a1"))

	res, err = submit(env, "a1", "bob", 30)
	check.Nil(t, err)
	check.Equal(t, domain.BidRejectedStale, res.Status)
	check.True(t, strings.Contains(res.Reason, domain.ErrAuctionNotBiddable.Error()))

	// The row stays closed and keeps its winner.
	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionClosed, a.Status)
	check.Equal(t, "alice", a.HighestBid.BidderID)

	// Having refreshed, the stale actor now rejects follow-ups locally.
	res, err = submit(env, "a1", "carol", 40)
	check.Nil(t, err)
	check.Equal(t, domain.BidRejectedInvalid, res.Status)
}

func TestSubmitBid_PeerActorsKeepHighestMonotonic(t *testing.T) {
	env := newTestEnv(t, testParams())
	peer := newPeerEnv(t, env)
	env.seedActive(t, "a1", 10, 1, time.Hour)

	res, err := submit(peer, "a1", "alice", 15)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)

	// env's actor spawns seeded with alice's 15 and raises to 20.
	res, err = submit(env, "a1", "bob", 20)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)

	// The peer's actor still believes 15 is highest: 18 clears its local
	// checks but loses the guarded write against bob's 20.
	res, err = submit(peer, "a1", "carol", 18)
	check.Nil(t, err)
	check.Equal(t, domain.BidRejectedStale, res.Status)
	check.True(t, strings.Contains(res.Reason, domain.ErrBidTooLow.Error()))

	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, "bob", a.HighestBid.BidderID)

	// The losing replica refreshed, so a genuinely higher bid goes through.
	res, err = submit(peer, "a1", "dave", 25)
	check.Nil(t, err)
	check.Equal(t, domain.BidAccepted, res.Status)

	a, err = env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, "dave", a.HighestBid.BidderID)
}

func TestSubmitBid_UnknownAuction(t *testing.T) {
	env := newTestEnv(t, testParams())
	_, err := submit(env, "missing", "alice", 10)
	check.True(t, errors.Is(err, domain.ErrNotFound))
}

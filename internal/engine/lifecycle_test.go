package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/quikhit/bidengine/internal/domain"
)

func newTestLifecycle(env *testEnv, settler *fakeSettler) *Lifecycle {
	return NewLifecycle(
		env.engine,
		env.store,
		settler,
		time.Second,
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func TestLifecycle_StartsDueAuctions(t *testing.T) {
	env := newTestEnv(t, testParams())
	lc := newTestLifecycle(env, &fakeSettler{})
	now := time.Now().UTC()

	pending := domain.Auction{
		ID:           "a1",
		SlotID:       "slot-1",
		Status:       domain.AuctionPending,
		Currency:     "USD",
		StartingBid:  decimal.NewFromInt(10),
		MinIncrement: decimal.NewFromInt(1),
		StartTime:    now.Add(-time.Second),
		EndTime:      now.Add(time.Hour),
	}
	notYet := pending
	notYet.ID = "a2"
	notYet.SlotID = "slot-2"
	notYet.StartTime = now.Add(time.Hour)
	notYet.EndTime = now.Add(2 * time.Hour)
	check.Nil(t, env.store.Create(context.Background(), pending))
	check.Nil(t, env.store.Create(context.Background(), notYet))

	lc.Tick(context.Background(), now)

	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionActive, a.Status)

	a, err = env.store.GetByID(context.Background(), "a2")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionPending, a.Status)

	// Started auction announces itself.
	check.Equal(t, 1, len(env.bus.publishedOn(domain.AuctionChannel("a1"))))
}

func TestLifecycle_ClosesAndSettlesDueAuctions(t *testing.T) {
	env := newTestEnv(t, testParams())
	settler := &fakeSettler{}
	lc := newTestLifecycle(env, settler)

	env.seedActive(t, "a1", 10, 1, 50*time.Millisecond)
	_, err := submit(env, "a1", "alice", 15)
	check.Nil(t, err)

	lc.Tick(context.Background(), time.Now().UTC().Add(time.Second))

	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionSettled, a.Status)
	check.NotNil(t, a.WinningBid)
	check.Equal(t, []string{"a1"}, settler.calls)
	check.Equal(t, []bool{true}, env.profiles.outcomes["alice"])
}

func TestLifecycle_NoBidsSettlesImmediately(t *testing.T) {
	env := newTestEnv(t, testParams())
	settler := &fakeSettler{}
	lc := newTestLifecycle(env, settler)

	env.seedActive(t, "a1", 10, 1, 50*time.Millisecond)
	lc.Tick(context.Background(), time.Now().UTC().Add(time.Second))

	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionSettled, a.Status)
	check.Nil(t, a.WinningBid)
	check.Equal(t, 0, len(settler.calls))
}

func TestLifecycle_SettlementFailureFreezesClosed(t *testing.T) {
	env := newTestEnv(t, testParams())
	settler := &fakeSettler{err: errors.New("settlement api 500")}
	lc := newTestLifecycle(env, settler)

	env.seedActive(t, "a1", 10, 1, 50*time.Millisecond)
	_, err := submit(env, "a1", "alice", 15)
	check.Nil(t, err)

	lc.Tick(context.Background(), time.Now().UTC().Add(time.Second))

	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionClosed, a.Status)

	// Once the collaborator recovers, re-driving settlement finishes the job.
	settler.err = nil
	lc.Settle(context.Background(), "a1")
	a, err = env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionSettled, a.Status)
	check.Equal(t, []string{"a1", "a1"}, settler.calls)
}

func TestLifecycle_SettleIgnoresNonClosed(t *testing.T) {
	env := newTestEnv(t, testParams())
	settler := &fakeSettler{}
	lc := newTestLifecycle(env, settler)

	env.seedActive(t, "a1", 10, 1, time.Hour)
	lc.Settle(context.Background(), "a1")

	a, err := env.store.GetByID(context.Background(), "a1")
	check.Nil(t, err)
	check.Equal(t, domain.AuctionActive, a.Status)
	check.Equal(t, 0, len(settler.calls))
}

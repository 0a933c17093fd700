package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"

	"github.com/quikhit/bidengine/internal/domain"
)

// fakeLedger fails the first failN appends, then succeeds.
type fakeLedger struct {
	mu       sync.Mutex
	failN    int
	attempts int
}

func (l *fakeLedger) Append(_ context.Context, _ domain.Bid) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.attempts <= l.failN {
		return errors.New("ledger 503")
	}
	return nil
}

func (l *fakeLedger) attemptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// flagStore only tracks the ledger status transitions the writer drives.
type flagStore struct {
	mu       sync.Mutex
	recorded []string
	flagged  []string
}

func (s *flagStore) Create(context.Context, domain.Bid) error { return nil }
func (s *flagStore) GetByID(context.Context, string) (domain.Bid, error) {
	return domain.Bid{}, domain.ErrNotFound
}
func (s *flagStore) ListByAuction(context.Context, string, domain.ListOpts) ([]domain.Bid, error) {
	return nil, nil
}
func (s *flagStore) ListAccepted(context.Context, string) ([]domain.Bid, error) { return nil, nil }
func (s *flagStore) DeleteByAuction(context.Context, string) (int64, error)     { return 0, nil }

func (s *flagStore) SetLedgerRecorded(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, id)
	return nil
}

func (s *flagStore) SetLedgerFlagged(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagged = append(s.flagged, id)
	return nil
}

func (s *flagStore) snapshot() (recorded, flagged []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recorded...), append([]string(nil), s.flagged...)
}

func newTestWriter(led *fakeLedger, store *flagStore, cfg Config) *Writer {
	return NewWriter(led, store, nil, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWriter_RecordsOnFirstAttempt(t *testing.T) {
	led := &fakeLedger{}
	store := &flagStore{}
	w := newTestWriter(led, store, Config{QueueSize: 8, MaxAttempts: 3, BackoffBase: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue(domain.Bid{ID: "b1", AuctionID: "a1"})
	waitFor(t, func() bool {
		recorded, _ := store.snapshot()
		return len(recorded) == 1
	})
	recorded, flagged := store.snapshot()
	check.Equal(t, []string{"b1"}, recorded)
	check.Equal(t, 0, len(flagged))
	check.Equal(t, 1, led.attemptCount())
}

func TestWriter_RetriesThenRecords(t *testing.T) {
	led := &fakeLedger{failN: 2}
	store := &flagStore{}
	w := newTestWriter(led, store, Config{QueueSize: 8, MaxAttempts: 5, BackoffBase: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue(domain.Bid{ID: "b1", AuctionID: "a1"})
	waitFor(t, func() bool {
		recorded, _ := store.snapshot()
		return len(recorded) == 1
	})
	check.Equal(t, 3, led.attemptCount())
	_, flagged := store.snapshot()
	check.Equal(t, 0, len(flagged))
}

func TestWriter_ExhaustionFlagsBid(t *testing.T) {
	led := &fakeLedger{failN: 100}
	store := &flagStore{}
	w := newTestWriter(led, store, Config{QueueSize: 8, MaxAttempts: 3, BackoffBase: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue(domain.Bid{ID: "b1", AuctionID: "a1"})
	waitFor(t, func() bool {
		_, flagged := store.snapshot()
		return len(flagged) == 1
	})
	recorded, flagged := store.snapshot()
	check.Equal(t, 0, len(recorded))
	check.Equal(t, []string{"b1"}, flagged)
	check.Equal(t, 3, led.attemptCount())
}

func TestWriter_FullQueueFlagsImmediately(t *testing.T) {
	led := &fakeLedger{}
	store := &flagStore{}
	w := newTestWriter(led, store, Config{QueueSize: 1, MaxAttempts: 3, BackoffBase: time.Millisecond})

	// No Run goroutine: the queue holds one bid, the second overflows.
	w.Enqueue(domain.Bid{ID: "b1"})
	w.Enqueue(domain.Bid{ID: "b2"})

	_, flagged := store.snapshot()
	check.Equal(t, []string{"b2"}, flagged)
}

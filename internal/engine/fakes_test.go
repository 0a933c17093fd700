package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quikhit/bidengine/internal/domain"
)

// memStore is an in-memory AuctionStore + BidStore used across the engine
// tests. Error injection fields simulate store outages.
type memStore struct {
	mu       sync.Mutex
	auctions map[string]domain.Auction
	bids     map[string]domain.Bid

	failApply  error
	failUpdate error
}

func newMemStore() *memStore {
	return &memStore{
		auctions: make(map[string]domain.Auction),
		bids:     make(map[string]domain.Bid),
	}
}

func (s *memStore) Create(_ context.Context, a domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[a.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *memStore) Update(_ context.Context, a domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate != nil {
		return s.failUpdate
	}
	cur, ok := s.auctions[a.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if !legalTransition(cur.Status, a.Status) {
		return fmt.Errorf("memstore: auction %s is %s: %w", a.ID, cur.Status, domain.ErrStaleAuction)
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *memStore) ApplyBid(_ context.Context, a domain.Auction, b domain.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failApply != nil {
		return s.failApply
	}
	cur, ok := s.auctions[a.ID]
	if !ok {
		return domain.ErrNotFound
	}
	// Same guard as the SQL store: the row must still be biddable and the
	// new bid must beat the persisted highest, not just the caller's copy.
	if !cur.Status.Biddable() {
		return fmt.Errorf("memstore: auction %s is %s: %w", a.ID, cur.Status, domain.ErrStaleAuction)
	}
	if cur.HighestBid != nil && !b.Amount.GreaterThan(cur.HighestBid.Amount) {
		return fmt.Errorf("memstore: auction %s highest is %s: %w", a.ID, cur.HighestBid.Amount, domain.ErrStaleAuction)
	}
	s.auctions[a.ID] = a.Clone()
	s.bids[b.ID] = b
	return nil
}

// legalTransition mirrors the status guard the SQL store applies on Update.
func legalTransition(cur, next domain.AuctionStatus) bool {
	switch next {
	case domain.AuctionActive:
		return cur == domain.AuctionPending
	case domain.AuctionExtended, domain.AuctionClosed:
		return cur.Biddable()
	case domain.AuctionCancelled:
		return !cur.Terminal()
	case domain.AuctionSettled:
		return cur == domain.AuctionClosed
	default:
		return cur == next
	}
}

func (s *memStore) GetByID(_ context.Context, id string) (domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return domain.Auction{}, domain.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *memStore) List(_ context.Context, status domain.AuctionStatus, _ domain.ListOpts) ([]domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Auction
	for _, a := range s.auctions {
		if status == "" || a.Status == status {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *memStore) ListDueToStart(_ context.Context, now time.Time) ([]domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Auction
	for _, a := range s.auctions {
		if a.Status == domain.AuctionPending && !a.StartTime.After(now) {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *memStore) ListDueToClose(_ context.Context, now time.Time) ([]domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Auction
	for _, a := range s.auctions {
		if a.Status.Biddable() && !a.EndTime.After(now) {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *memStore) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Auction
	for _, a := range s.auctions {
		if a.Status.Terminal() && a.SettledAt != nil && a.SettledAt.Before(before) {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.auctions, id)
	return nil
}

// --- BidStore ---

func (s *memStore) CreateBid(ctx context.Context, b domain.Bid) error { return s.createBid(b) }

func (s *memStore) createBid(b domain.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bids[b.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.bids[b.ID] = b
	return nil
}

func (s *memStore) GetBidByID(_ context.Context, id string) (domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[id]
	if !ok {
		return domain.Bid{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *memStore) ListByAuction(_ context.Context, auctionID string, _ domain.ListOpts) ([]domain.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bid
	for _, b := range s.bids {
		if b.AuctionID == auctionID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *memStore) ListAccepted(ctx context.Context, auctionID string) ([]domain.Bid, error) {
	all, _ := s.ListByAuction(ctx, auctionID, domain.ListOpts{})
	var out []domain.Bid
	for _, b := range all {
		if b.Status == domain.BidAccepted {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memStore) SetLedgerRecorded(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[id]
	if !ok {
		return domain.ErrNotFound
	}
	b.LedgerRecorded = true
	s.bids[id] = b
	return nil
}

func (s *memStore) SetLedgerFlagged(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[id]
	if !ok {
		return domain.ErrNotFound
	}
	b.LedgerFlagged = true
	s.bids[id] = b
	return nil
}

func (s *memStore) DeleteByAuction(_ context.Context, auctionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, b := range s.bids {
		if b.AuctionID == auctionID {
			delete(s.bids, id)
			n++
		}
	}
	return n, nil
}

// bidStoreAdapter exposes memStore through the domain.BidStore method set
// (Create/GetByID collide with the auction methods on memStore itself).
type bidStoreAdapter struct{ s *memStore }

func (a bidStoreAdapter) Create(ctx context.Context, b domain.Bid) error { return a.s.CreateBid(ctx, b) }
func (a bidStoreAdapter) GetByID(ctx context.Context, id string) (domain.Bid, error) {
	return a.s.GetBidByID(ctx, id)
}
func (a bidStoreAdapter) ListByAuction(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.Bid, error) {
	return a.s.ListByAuction(ctx, auctionID, opts)
}
func (a bidStoreAdapter) ListAccepted(ctx context.Context, auctionID string) ([]domain.Bid, error) {
	return a.s.ListAccepted(ctx, auctionID)
}
func (a bidStoreAdapter) SetLedgerRecorded(ctx context.Context, id string) error {
	return a.s.SetLedgerRecorded(ctx, id)
}
func (a bidStoreAdapter) SetLedgerFlagged(ctx context.Context, id string) error {
	return a.s.SetLedgerFlagged(ctx, id)
}
func (a bidStoreAdapter) DeleteByAuction(ctx context.Context, auctionID string) (int64, error) {
	return a.s.DeleteByAuction(ctx, auctionID)
}

// --- Profiles ---

type memProfiles struct {
	mu       sync.Mutex
	profiles map[string]domain.BidderProfile
	outcomes map[string][]bool
}

func newMemProfiles() *memProfiles {
	return &memProfiles{
		profiles: make(map[string]domain.BidderProfile),
		outcomes: make(map[string][]bool),
	}
}

func (p *memProfiles) Get(_ context.Context, bidderID string) (domain.BidderProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof, ok := p.profiles[bidderID]
	if !ok {
		return domain.BidderProfile{}, domain.ErrNotFound
	}
	return prof, nil
}

func (p *memProfiles) GetBatch(_ context.Context, ids []string) (map[string]domain.BidderProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.BidderProfile)
	for _, id := range ids {
		if prof, ok := p.profiles[id]; ok {
			out[id] = prof
		}
	}
	return out, nil
}

func (p *memProfiles) Upsert(_ context.Context, prof domain.BidderProfile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles[prof.BidderID] = prof
	return nil
}

func (p *memProfiles) RecordOutcome(_ context.Context, bidderID string, won bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[bidderID] = append(p.outcomes[bidderID], won)
	return nil
}

// --- Collaborators ---

// fakeRisk returns a per-bidder score, a default score, or an injected error.
type fakeRisk struct {
	mu      sync.Mutex
	scores  map[string]float64
	score   float64
	err     error
	calls   int
}

func (r *fakeRisk) Score(_ context.Context, bid domain.Bid) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return 0, r.err
	}
	if s, ok := r.scores[bid.BidderID]; ok {
		return s, nil
	}
	return r.score, nil
}

// fakeConverter multiplies by a fixed per-pair rate.
type fakeConverter struct {
	rates map[string]decimal.Decimal // "EUR/USD" -> rate
	err   error
}

func (c *fakeConverter) Convert(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if c.err != nil {
		return decimal.Zero, c.err
	}
	if from == to {
		return amount, nil
	}
	rate, ok := c.rates[from+"/"+to]
	if !ok {
		return decimal.Zero, domain.ErrRateUnavailable
	}
	return amount.Mul(rate), nil
}

// memLimiter is an in-memory sliding interval limiter keyed like the redis
// implementation.
type memLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	err  error
}

func newMemLimiter() *memLimiter {
	return &memLimiter{last: make(map[string]time.Time)}
}

func (l *memLimiter) Allow(_ context.Context, key string, _ int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	now := time.Now()
	if prev, ok := l.last[key]; ok && now.Sub(prev) < window {
		return false, nil
	}
	l.last[key] = now
	return true, nil
}

// memBus records published events.
type memBus struct {
	mu        sync.Mutex
	published []busMsg
	streamed  []busMsg
}

type busMsg struct {
	channel string
	payload []byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, busMsg{channel, payload})
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed = append(b.streamed, busMsg{stream, payload})
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) publishedOn(channel string) []busMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busMsg
	for _, m := range b.published {
		if m.channel == channel {
			out = append(out, m)
		}
	}
	return out
}

// memSnapshots caches the latest snapshot per auction.
type memSnapshots struct {
	mu    sync.Mutex
	snaps map[string]domain.RankingSnapshot
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{snaps: make(map[string]domain.RankingSnapshot)}
}

func (c *memSnapshots) Set(_ context.Context, snap domain.RankingSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.AuctionID] = snap
	return nil
}

func (c *memSnapshots) Get(_ context.Context, auctionID string) (domain.RankingSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[auctionID]
	if !ok {
		return domain.RankingSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (c *memSnapshots) Delete(_ context.Context, auctionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, auctionID)
	return nil
}

// memLedgerQueue records enqueued bids.
type memLedgerQueue struct {
	mu   sync.Mutex
	bids []domain.Bid
}

func (q *memLedgerQueue) Enqueue(bid domain.Bid) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bids = append(q.bids, bid)
}

func (q *memLedgerQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bids)
}

// fakeSettler confirms or fails settlement.
type fakeSettler struct {
	mu     sync.Mutex
	err    error
	calls  []string
}

func (s *fakeSettler) Settle(_ context.Context, auctionID string, _ domain.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, auctionID)
	return s.err
}

package s3blob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/quikhit/bidengine/internal/domain"
)

// fakeBlobWriter records which upload path each key took.
type fakeBlobWriter struct {
	mu    sync.Mutex
	puts  []string
	large []string
	err   error
}

func (w *fakeBlobWriter) Put(_ context.Context, path string, _ io.Reader, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.puts = append(w.puts, path)
	return nil
}

func (w *fakeBlobWriter) PutLarge(_ context.Context, path string, _ io.Reader, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.large = append(w.large, path)
	return nil
}

// fakeAuctionStore serves ListSettledBefore and records deletions; the
// archiver touches nothing else.
type fakeAuctionStore struct {
	auctions []domain.Auction
	deleted  []string
}

func (s *fakeAuctionStore) Create(context.Context, domain.Auction) error { return nil }
func (s *fakeAuctionStore) Update(context.Context, domain.Auction) error { return nil }
func (s *fakeAuctionStore) ApplyBid(context.Context, domain.Auction, domain.Bid) error {
	return nil
}
func (s *fakeAuctionStore) GetByID(context.Context, string) (domain.Auction, error) {
	return domain.Auction{}, domain.ErrNotFound
}
func (s *fakeAuctionStore) List(context.Context, domain.AuctionStatus, domain.ListOpts) ([]domain.Auction, error) {
	return nil, nil
}
func (s *fakeAuctionStore) ListDueToStart(context.Context, time.Time) ([]domain.Auction, error) {
	return nil, nil
}
func (s *fakeAuctionStore) ListDueToClose(context.Context, time.Time) ([]domain.Auction, error) {
	return nil, nil
}
func (s *fakeAuctionStore) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Auction, error) {
	var out []domain.Auction
	for _, a := range s.auctions {
		if a.SettledAt != nil && a.SettledAt.Before(before) {
			out = append(out, a)
		}
	}
	return out, nil
}
func (s *fakeAuctionStore) Delete(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

type fakeBidStore struct {
	bids    map[string][]domain.Bid
	deleted []string
}

func (s *fakeBidStore) Create(context.Context, domain.Bid) error { return nil }
func (s *fakeBidStore) GetByID(context.Context, string) (domain.Bid, error) {
	return domain.Bid{}, domain.ErrNotFound
}
func (s *fakeBidStore) ListByAuction(_ context.Context, auctionID string, _ domain.ListOpts) ([]domain.Bid, error) {
	return s.bids[auctionID], nil
}
func (s *fakeBidStore) ListAccepted(_ context.Context, auctionID string) ([]domain.Bid, error) {
	return s.bids[auctionID], nil
}
func (s *fakeBidStore) SetLedgerRecorded(context.Context, string) error { return nil }
func (s *fakeBidStore) SetLedgerFlagged(context.Context, string) error  { return nil }
func (s *fakeBidStore) DeleteByAuction(_ context.Context, auctionID string) (int64, error) {
	s.deleted = append(s.deleted, auctionID)
	return int64(len(s.bids[auctionID])), nil
}

func settledAuction(id string, daysAgo int) domain.Auction {
	ts := time.Now().UTC().AddDate(0, 0, -daysAgo)
	return domain.Auction{
		ID:           id,
		SlotID:       "slot-" + id,
		Status:       domain.AuctionSettled,
		Currency:     "USD",
		StartingBid:  decimal.NewFromInt(10),
		MinIncrement: decimal.NewFromInt(1),
		CreatedAt:    ts.AddDate(0, 0, -1),
		SettledAt:    &ts,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArchiveBefore_ExportsAndPrunes(t *testing.T) {
	auctions := &fakeAuctionStore{auctions: []domain.Auction{
		settledAuction("a1", 100),
		settledAuction("a2", 1), // inside the retention window, untouched
	}}
	bids := &fakeBidStore{bids: map[string][]domain.Bid{
		"a1": {{ID: "b1", AuctionID: "a1", BidderID: "alice", Amount: decimal.NewFromInt(15), Status: domain.BidAccepted}},
	}}
	writer := &fakeBlobWriter{}
	ar := NewArchiver(writer, auctions, bids, nil, discardLogger())

	n, err := ar.ArchiveBefore(context.Background(), 90)
	check.Nil(t, err)
	check.Equal(t, 1, n)
	check.Equal(t, 1, len(writer.puts))
	check.True(t, strings.HasPrefix(writer.puts[0], "archive/auctions/"))
	check.True(t, strings.HasSuffix(writer.puts[0], "/a1.json"))
	check.Equal(t, []string{"a1"}, auctions.deleted)
	check.Equal(t, []string{"a1"}, bids.deleted)
}

func TestArchiveBefore_UploadFailureLeavesRows(t *testing.T) {
	auctions := &fakeAuctionStore{auctions: []domain.Auction{settledAuction("a1", 100)}}
	bids := &fakeBidStore{}
	writer := &fakeBlobWriter{err: errors.New("bucket unreachable")}
	ar := NewArchiver(writer, auctions, bids, nil, discardLogger())

	n, err := ar.ArchiveBefore(context.Background(), 90)
	check.Nil(t, err)
	check.Equal(t, 0, n)
	check.Equal(t, 0, len(auctions.deleted))
	check.Equal(t, 0, len(bids.deleted))
}

func TestArchiveBefore_LargeExportUsesMultipart(t *testing.T) {
	auctions := &fakeAuctionStore{auctions: []domain.Auction{settledAuction("a1", 100)}}
	bids := &fakeBidStore{}
	writer := &fakeBlobWriter{}
	ar := NewArchiver(writer, auctions, bids, nil, discardLogger())
	ar.largeExport = 1 // every payload is oversized

	n, err := ar.ArchiveBefore(context.Background(), 90)
	check.Nil(t, err)
	check.Equal(t, 1, n)
	check.Equal(t, 0, len(writer.puts))
	check.Equal(t, 1, len(writer.large))
}

package rank

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/quikhit/bidengine/internal/config"
	"github.com/quikhit/bidengine/internal/domain"
)

var testWeights = config.RankWeights{
	Amount:     0.60,
	WinRate:    0.15,
	Engagement: 0.15,
	Regional:   0.10,
}

func acceptedBid(id, bidder string, amount string, at time.Time) domain.Bid {
	return domain.Bid{
		ID:          id,
		AuctionID:   "a1",
		BidderID:    bidder,
		Amount:      decimal.RequireFromString(amount),
		SubmittedAt: at,
		Status:      domain.BidAccepted,
	}
}

func TestRank_OrdersByAmountWhenProfilesEqual(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bids := []domain.Bid{
		acceptedBid("b1", "alpha", "100", base),
		acceptedBid("b2", "beta", "110", base.Add(time.Minute)),
		acceptedBid("b3", "gamma", "105", base.Add(2*time.Minute)),
	}

	snap := Rank("a1", 3, bids, nil, testWeights, nil)

	check.Equal(t, "a1", snap.AuctionID)
	check.Equal(t, int64(3), snap.Version)
	check.Equal(t, 3, len(snap.Entries))
	check.Equal(t, "b2", snap.Entries[0].BidID)
	check.Equal(t, "b3", snap.Entries[1].BidID)
	check.Equal(t, "b1", snap.Entries[2].BidID)
	check.Equal(t, 1, snap.Entries[0].Rank)
	check.Equal(t, 2, snap.Entries[1].Rank)
	check.Equal(t, 3, snap.Entries[2].Rank)
}

func TestRank_ProfileFactorsBreakAmountDominance(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bids := []domain.Bid{
		acceptedBid("b1", "veteran", "100", base),
		acceptedBid("b2", "rookie", "100", base.Add(time.Second)),
	}
	profiles := map[string]domain.BidderProfile{
		"veteran": {BidderID: "veteran", Wins: 9, Losses: 1, Engagement: 0.9},
		"rookie":  {BidderID: "rookie"},
	}

	snap := Rank("a1", 1, bids, profiles, testWeights, nil)

	check.Equal(t, "b1", snap.Entries[0].BidID)
	check.True(t, snap.Entries[0].PriorityScore > snap.Entries[1].PriorityScore)
}

func TestRank_RegionalWeightApplies(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bids := []domain.Bid{
		acceptedBid("b1", "eu-bidder", "100", base),
		acceptedBid("b2", "us-bidder", "100", base.Add(time.Second)),
	}
	profiles := map[string]domain.BidderProfile{
		"eu-bidder": {BidderID: "eu-bidder", Region: "eu"},
		"us-bidder": {BidderID: "us-bidder", Region: "us"},
	}
	regions := map[string]float64{"eu": 1.5, "us": 1.0}

	snap := Rank("a1", 1, bids, profiles, testWeights, regions)

	check.Equal(t, "b1", snap.Entries[0].BidID)
}

func TestRank_TieBreaksOnSubmissionTimeThenBidderID(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bids := []domain.Bid{
		acceptedBid("b-late", "zeta", "100", at.Add(time.Second)),
		acceptedBid("b-early", "mike", "100", at),
		acceptedBid("b-tied-b", "bravo", "100", at),
		acceptedBid("b-tied-a", "alpha", "100", at),
	}

	snap := Rank("a1", 1, bids, nil, testWeights, nil)

	// Equal scores: earlier submission first, then bidder id.
	check.Equal(t, "b-tied-a", snap.Entries[0].BidID)
	check.Equal(t, "b-tied-b", snap.Entries[1].BidID)
	check.Equal(t, "b-early", snap.Entries[2].BidID)
	check.Equal(t, "b-late", snap.Entries[3].BidID)
}

func TestRank_Idempotent(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bids := []domain.Bid{
		acceptedBid("b1", "alpha", "250", base),
		acceptedBid("b2", "beta", "300", base.Add(time.Minute)),
		acceptedBid("b3", "gamma", "275", base.Add(2*time.Minute)),
	}
	profiles := map[string]domain.BidderProfile{
		"alpha": {BidderID: "alpha", Wins: 3, Losses: 2, Engagement: 0.4},
		"beta":  {BidderID: "beta", Wins: 1, Losses: 5, Engagement: 0.8},
	}

	first := Rank("a1", 7, bids, profiles, testWeights, nil)
	second := Rank("a1", 7, bids, profiles, testWeights, nil)

	check.Equal(t, len(first.Entries), len(second.Entries))
	for i := range first.Entries {
		check.Equal(t, first.Entries[i].BidID, second.Entries[i].BidID)
		check.Equal(t, first.Entries[i].Rank, second.Entries[i].Rank)
		check.Equal(t, first.Entries[i].PriorityScore, second.Entries[i].PriorityScore)
	}
}

func TestRank_EmptyBidSet(t *testing.T) {
	snap := Rank("a1", 0, nil, nil, testWeights, nil)

	check.Equal(t, 0, len(snap.Entries))
	check.Equal(t, 0, snap.RankOf("anything"))
}

func TestScore_UnknownProfileScoresAmountOnly(t *testing.T) {
	b := acceptedBid("b1", "ghost", "100", time.Now())

	score := Score(b, domain.BidderProfile{}, decimal.RequireFromString("100"), testWeights, nil)

	// Amount at full weight plus the neutral 1.0 regional factor; win rate
	// and engagement contribute zero for an unknown bidder.
	check.Equal(t, testWeights.Amount+testWeights.Regional*1.0, score)
}

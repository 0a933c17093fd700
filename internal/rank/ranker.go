// Package rank computes the composite priority ordering over an auction's
// accepted bids. Ranking is a pure function of the accepted-bid set, the
// bidder profiles, and the weight tables, so the actor can regenerate the
// snapshot on every accepted bid cheaply and repeatably.
package rank

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quikhit/bidengine/internal/config"
	"github.com/quikhit/bidengine/internal/domain"
)

// Rank produces a new RankingSnapshot for the given accepted bids. Bids are
// ordered by descending composite score; ties break on earlier submission
// time, then on lexicographically smaller bidder id. Profiles may be missing
// for unknown bidders; their non-price factors score zero.
func Rank(
	auctionID string,
	version int64,
	bids []domain.Bid,
	profiles map[string]domain.BidderProfile,
	weights config.RankWeights,
	regionWeights map[string]float64,
) domain.RankingSnapshot {
	snap := domain.RankingSnapshot{
		AuctionID:   auctionID,
		Version:     version,
		GeneratedAt: time.Now().UTC(),
	}
	if len(bids) == 0 {
		snap.Entries = []domain.RankedBid{}
		return snap
	}

	maxAmount := decimal.Zero
	for _, b := range bids {
		if b.Amount.GreaterThan(maxAmount) {
			maxAmount = b.Amount
		}
	}

	entries := make([]domain.RankedBid, 0, len(bids))
	for _, b := range bids {
		score := compositeScore(b, profiles[b.BidderID], maxAmount, weights, regionWeights)
		entries = append(entries, domain.RankedBid{
			BidID:         b.ID,
			BidderID:      b.BidderID,
			Amount:        b.Amount,
			PriorityScore: score,
			SubmittedAt:   b.SubmittedAt,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].PriorityScore != entries[j].PriorityScore {
			return entries[i].PriorityScore > entries[j].PriorityScore
		}
		if !entries[i].SubmittedAt.Equal(entries[j].SubmittedAt) {
			return entries[i].SubmittedAt.Before(entries[j].SubmittedAt)
		}
		return entries[i].BidderID < entries[j].BidderID
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}
	snap.Entries = entries
	return snap
}

// Score computes the composite priority score a single bid would receive
// against the given reference maximum amount. The engine uses it to report
// the score of a just-accepted bid in its BidResult.
func Score(
	b domain.Bid,
	profile domain.BidderProfile,
	maxAmount decimal.Decimal,
	weights config.RankWeights,
	regionWeights map[string]float64,
) float64 {
	return compositeScore(b, profile, maxAmount, weights, regionWeights)
}

func compositeScore(
	b domain.Bid,
	profile domain.BidderProfile,
	maxAmount decimal.Decimal,
	w config.RankWeights,
	regionWeights map[string]float64,
) float64 {
	amountNorm := 0.0
	if maxAmount.IsPositive() {
		amountNorm, _ = b.Amount.Div(maxAmount).Float64()
	}

	engagement := clamp01(profile.Engagement)
	winRate := clamp01(profile.WinRate())

	regional := 1.0
	if profile.Region != "" {
		if mult, ok := regionWeights[profile.Region]; ok {
			regional = mult
		}
	}

	return w.Amount*amountNorm +
		w.WinRate*winRate +
		w.Engagement*engagement +
		w.Regional*regional
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

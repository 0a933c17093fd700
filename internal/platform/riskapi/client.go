// Package riskapi is the REST client for the external fraud risk screen.
// The engine treats this service as fail-closed: any error here keeps the
// bid out until the screen answers.
package riskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/quikhit/bidengine/internal/domain"
	"github.com/quikhit/bidengine/internal/notify"
)

// outageBurst is how many consecutive failures count as an outage worth an
// operator alert. Isolated timeouts stay in the logs.
const outageBurst = 10

// Client is the REST client for the risk scoring service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	notifier   *notify.Notifier
	failStreak atomic.Int64
}

// NewClient creates a new risk screen client. baseURL is the API root, e.g.
// "https://risk.internal.example.com".
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithNotifier enables outage burst alerts. Returns the client for chaining.
func (c *Client) WithNotifier(n *notify.Notifier) *Client {
	c.notifier = n
	return c
}

// recordFailure bumps the consecutive-failure streak and alerts exactly once
// when it crosses the burst threshold. Every bid in the window was rejected
// fail-closed, so operators need to know even though the engine stayed safe.
func (c *Client) recordFailure(ctx context.Context) {
	if c.failStreak.Add(1) == outageBurst {
		_ = c.notifier.Notify(ctx, "risk_outage",
			"Risk screen outage",
			"last "+strconv.Itoa(outageBurst)+" score requests failed; bids are being rejected fail-closed",
		)
	}
}

type scoreRequest struct {
	BidID       string    `json:"bid_id"`
	AuctionID   string    `json:"auction_id"`
	BidderID    string    `json:"bidder_id"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

// Score returns the fraud probability in [0,1] for the given bid.
func (c *Client) Score(ctx context.Context, bid domain.Bid) (float64, error) {
	reqBody := scoreRequest{
		BidID:       bid.ID,
		AuctionID:   bid.AuctionID,
		BidderID:    bid.BidderID,
		Amount:      bid.Amount.String(),
		Currency:    bid.OriginalCurrency,
		SubmittedAt: bid.SubmittedAt,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return 0, fmt.Errorf("riskapi: marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/score", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("riskapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure(ctx)
		return 0, fmt.Errorf("riskapi: score bid %s: %w", bid.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.recordFailure(ctx)
		return 0, fmt.Errorf("riskapi: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.recordFailure(ctx)
		return 0, fmt.Errorf("riskapi: score bid %s: status %d: %s", bid.ID, resp.StatusCode, string(body))
	}

	var sr scoreResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		c.recordFailure(ctx)
		return 0, fmt.Errorf("riskapi: decode response: %w", err)
	}
	if sr.Score < 0 || sr.Score > 1 {
		c.recordFailure(ctx)
		return 0, fmt.Errorf("riskapi: score bid %s: score %v out of range", bid.ID, sr.Score)
	}
	c.failStreak.Store(0)
	return sr.Score, nil
}

// Compile-time interface check.
var _ domain.RiskScorer = (*Client)(nil)

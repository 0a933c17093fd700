// Package ledgerapi is the REST client for the append-only transparency
// ledger accepted bids are recorded on.
package ledgerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quikhit/bidengine/internal/domain"
)

// Client is the REST client for the transparency ledger. Append is
// idempotent on bid id, so the ledger writer may retry ambiguous failures.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new ledger client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type appendRequest struct {
	BidID       string    `json:"bid_id"`
	AuctionID   string    `json:"auction_id"`
	BidderID    string    `json:"bidder_id"`
	Amount      string    `json:"amount"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Append records one accepted bid. A 409 means the record already exists
// from an earlier attempt and counts as success.
func (c *Client) Append(ctx context.Context, bid domain.Bid) error {
	reqBody := appendRequest{
		BidID:       bid.ID,
		AuctionID:   bid.AuctionID,
		BidderID:    bid.BidderID,
		Amount:      bid.Amount.String(),
		SubmittedAt: bid.SubmittedAt,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("ledgerapi: marshal append request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/records", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ledgerapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", bid.ID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledgerapi: append bid %s: %w", bid.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("ledgerapi: append bid %s: status %d: %s", bid.ID, resp.StatusCode, string(body))
	}
}

// Compile-time interface check.
var _ domain.Ledger = (*Client)(nil)

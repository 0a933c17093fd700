// Package settleapi is the REST client for the external settlement service
// that charges the winning bidder and books the slot.
package settleapi

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

// Client is the REST client for the settlement service. Settlement requests
// are idempotent keyed on auction id, so a re-drive after an ambiguous
// failure can never double-charge.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new settlement client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type settleRequest struct {
	AuctionID string `json:"auction_id"`
	BidID     string `json:"bid_id"`
	BidderID  string `json:"bidder_id"`
	Amount    string `json:"amount"`
}

// Settle hands the winning bid over for payment capture. A 409 means the
// auction was already settled by an earlier attempt and counts as success.
func (c *Client) Settle(ctx context.Context, auctionID string, winning domain.Bid) error {
	reqBody := settleRequest{
		AuctionID: auctionID,
		BidID:     winning.ID,
		BidderID:  winning.BidderID,
		Amount:    winning.Amount.String(),
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("settleapi: marshal settle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/settlements", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("settleapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", auctionID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("settleapi: settle auction %s: %w", auctionID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("settleapi: settle auction %s: status %d: %s", auctionID, resp.StatusCode, string(body))
	}
}

// Compile-time interface check.
var _ domain.Settler = (*Client)(nil)

// Package fxapi is the REST client for the external currency-rate service,
// fronted by a Redis rate cache so one fetched pair serves many bids.
package fxapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quikhit/bidengine/internal/domain"
)

// Client implements domain.CurrencyConverter. Conversion failures wrap
// domain.ErrRateUnavailable so the engine can classify them as transient.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      domain.RateCache
	cacheTTL   time.Duration
	logger     *slog.Logger
}

// NewClient creates a new rate client. cache may be nil, in which case every
// conversion hits the service.
func NewClient(baseURL, apiKey string, timeout time.Duration, cache domain.RateCache, cacheTTL time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger.With(slog.String("component", "fxapi")),
	}
}

// Convert returns amount expressed in the to currency.
func (c *Client) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if from == to {
		return amount, nil
	}

	rate, err := c.rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}

func (c *Client) rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if c.cache != nil {
		cached, fetchedAt, err := c.cache.GetRate(ctx, from, to)
		if err == nil && time.Since(fetchedAt) < c.cacheTTL {
			return decimal.NewFromFloat(cached), nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.logger.WarnContext(ctx, "rate cache read failed",
				slog.String("pair", from+"/"+to),
				slog.String("error", err.Error()),
			)
		}
	}

	rate, err := c.fetch(ctx, from, to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fxapi: rate %s/%s: %w", from, to, errors.Join(domain.ErrRateUnavailable, err))
	}

	if c.cache != nil {
		if err := c.cache.SetRate(ctx, from, to, rate, time.Now().UTC()); err != nil {
			c.logger.WarnContext(ctx, "rate cache write failed",
				slog.String("pair", from+"/"+to),
				slog.String("error", err.Error()),
			)
		}
	}
	return decimal.NewFromFloat(rate), nil
}

type rateResponse struct {
	Rate float64 `json:"rate"`
}

func (c *Client) fetch(ctx context.Context, from, to string) (float64, error) {
	params := url.Values{}
	params.Set("base", from)
	params.Set("quote", to)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/rates?"+params.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	var rr rateResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if rr.Rate <= 0 {
		return 0, fmt.Errorf("non-positive rate %v", rr.Rate)
	}
	return rr.Rate, nil
}

// Compile-time interface check.
var _ domain.CurrencyConverter = (*Client)(nil)

package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"coinrate-alerts/internal/model"
)

const ratesPath = "/api/rates"

// RateOptions parameterise the HTTP rate scraper.
type RateOptions struct {
	BaseURL           string
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
}

// RateClient fetches batch rates from the scraping gateway.
type RateClient struct {
	opts    RateOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewRateClient constructs a rate scraper client.
func NewRateClient(opts RateOptions, logger zerolog.Logger) *RateClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &RateClient{
		opts:    opts,
		logger:  logger.With().Str("component", "rate_scraper").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// ScrapeRates requests one batch. Requests are paced by the limiter so the
// upstream page is not hammered when many batches run back to back.
func (c *RateClient) ScrapeRates(ctx context.Context, exchange, representative string, timeframe model.Timeframe, symbols []string) (*model.RateData, error) {
	if c.baseURL == "" {
		return nil, errors.New("scraper base url not configured")
	}
	if exchange == "" || len(symbols) == 0 {
		return nil, errors.New("exchange and at least one symbol required")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	query := url.Values{}
	query.Set("exchange", exchange)
	query.Set("coin", representative)
	query.Set("timeframe", string(timeframe))
	query.Set("symbols", strings.Join(symbols, ","))
	endpoint := c.baseURL + ratesPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "ratewatch/1.0")
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var data model.RateData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	if len(data.Coins) == 0 {
		return nil, fmt.Errorf("scraper returned no coins for %s/%s", exchange, timeframe)
	}
	if data.Exchange == "" {
		data.Exchange = exchange
	}
	data.Timeframe = timeframe

	c.logger.Debug().
		Str("exchange", exchange).
		Str("timeframe", string(timeframe)).
		Int("coins", len(data.Coins)).
		Dur("elapsed", time.Since(started)).
		Msg("rates scraped")
	return &data, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("scraper error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("scraper error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("scraper error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("scraper error (%d)", status)
}

var _ Scraper = (*RateClient)(nil)

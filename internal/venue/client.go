package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/metrics"
	"github.com/stakeflow/chain-engine/internal/model"
)

// ClientConfig holds HTTP client tuning.
type ClientConfig struct {
	BaseURL      string
	Timeout      time.Duration // per-request timeout (default 10s)
	MaxRetries   int           // read-path retries (default 3)
	RetryBackoff time.Duration // initial backoff (default 250ms)
	RateLimit    rate.Limit    // requests per second (default 10)
	RateBurst    int           // default 20
}

// Client implements MarketGateway, OrderbookGateway, and OrderGateway
// against the venue REST API.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	limiter      *rate.Limiter
	maxRetries   int
	retryBackoff time.Duration
	logger       *slog.Logger
}

// NewClient creates a venue API client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		logger:       logger,
	}
}

// --- wire types (venue prices and sizes travel as decimal strings) ---

type marketResponse struct {
	ConditionID string `json:"condition_id"`
	TokenID     string `json:"token_id"`
	Liquidity   string `json:"liquidity"`
	Price       string `json:"price"`
	EndDateISO  string `json:"end_date_iso"`
	Active      bool   `json:"active"`
	Closed      bool   `json:"closed"`
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	TokenID string      `json:"token_id"`
	Bids    []bookLevel `json:"bids"`
	Asks    []bookLevel `json:"asks"`
}

type fakOrderRequest struct {
	TokenID   string `json:"token_id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	OrderType string `json:"order_type"` // always "FAK": nothing ever rests
}

type fakOrderResponse struct {
	FilledSize string `json:"filled_size"`
	AvgPrice   string `json:"avg_price"`
}

// GetMarket implements MarketGateway.
func (c *Client) GetMarket(ctx context.Context, marketID string) (*model.MarketSnapshot, error) {
	body, err := c.getWithRetry(ctx, "/markets/"+url.PathEscape(marketID), nil)
	if err != nil {
		return nil, err
	}

	var mr marketResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, fmt.Errorf("decode market %s: %w", marketID, err)
	}

	liquidity, err := parseMicros(mr.Liquidity)
	if err != nil {
		return nil, fmt.Errorf("market %s liquidity: %w", marketID, err)
	}
	price, err := parsePrice(mr.Price)
	if err != nil {
		return nil, fmt.Errorf("market %s price: %w", marketID, err)
	}

	snap := &model.MarketSnapshot{
		MarketID:     marketID,
		TokenID:      mr.TokenID,
		Liquidity:    liquidity,
		CurrentPrice: price,
		Open:         mr.Active && !mr.Closed,
		SyncedAt:     time.Now().UTC(),
	}
	if mr.EndDateISO != "" {
		end, err := time.Parse(time.RFC3339, mr.EndDateISO)
		if err != nil {
			return nil, fmt.Errorf("market %s end date: %w", marketID, err)
		}
		snap.EndDate = end
	}
	return snap, nil
}

// GetDepth implements OrderbookGateway.
func (c *Client) GetDepth(ctx context.Context, tokenID string) (*model.OrderbookSnapshot, error) {
	body, err := c.getWithRetry(ctx, "/book", url.Values{"token_id": {tokenID}})
	if err != nil {
		return nil, err
	}

	var br bookResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, fmt.Errorf("decode book %s: %w", tokenID, err)
	}

	snap := &model.OrderbookSnapshot{TokenID: tokenID}
	if snap.Bids, err = parseLevels(br.Bids); err != nil {
		return nil, fmt.Errorf("book %s bids: %w", tokenID, err)
	}
	if snap.Asks, err = parseLevels(br.Asks); err != nil {
		return nil, fmt.Errorf("book %s asks: %w", tokenID, err)
	}
	return snap, nil
}

// PlaceFAK implements OrderGateway. Exactly one attempt: a transport error
// here surfaces to the caller, which re-drives the whole leg through the
// conditional-write guard.
func (c *Client) PlaceFAK(ctx context.Context, tokenID string, side model.Side, limitPrice fixedpoint.Price, size fixedpoint.Micros) (*FAKResult, error) {
	req := fakOrderRequest{
		TokenID:   tokenID,
		Side:      string(side),
		Price:     limitPrice.Decimal().String(),
		Size:      size.Decimal().String(),
		OrderType: "FAK",
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/order", nil, payload)
	if err != nil {
		return nil, fmt.Errorf("place FAK %s: %w", tokenID, err)
	}

	var or fakOrderResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	filled, err := parseMicros(or.FilledSize)
	if err != nil {
		return nil, fmt.Errorf("order filled size: %w", err)
	}
	res := &FAKResult{FilledShares: filled}
	if filled > 0 {
		if res.FillPrice, err = parsePrice(or.AvgPrice); err != nil {
			return nil, fmt.Errorf("order avg price: %w", err)
		}
	}
	return res, nil
}

// --- transport ---

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s %s", ErrMarketNotFound, method, path)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}
	return body, nil
}

// getWithRetry performs a GET with exponential backoff on transient faults.
func (c *Client) getWithRetry(ctx context.Context, path string, query url.Values) ([]byte, error) {
	backoff := c.retryBackoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.GatewayRetries.Inc()
			// Jitter: backoff * (0.5 to 1.5).
			jitter := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
			c.logger.Debug("retrying venue request",
				"path", path,
				"attempt", attempt,
				"backoff", jitter,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}
			backoff *= 2
		}

		body, err := c.doRequest(ctx, http.MethodGet, path, query, nil)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("gave up after %d retries: %w", c.maxRetries, lastErr)
}

// --- parsing ---

func parseMicros(s string) (fixedpoint.Micros, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return fixedpoint.MicrosFromDecimal(d), nil
}

func parsePrice(s string) (fixedpoint.Price, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return fixedpoint.PriceFromDecimal(d), nil
}

func parseLevels(raw []bookLevel) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err := parsePrice(l.Price)
		if err != nil {
			return nil, err
		}
		size, err := parseMicros(l.Size)
		if err != nil {
			return nil, err
		}
		levels = append(levels, model.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

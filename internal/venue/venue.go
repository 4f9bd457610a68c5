// Package venue provides the gateway interfaces to the external market,
// and one HTTP implementation of all three.
//
// The gateways are deliberately narrow so the executor and estimator can
// be tested against fakes. Retry policy lives in the client, not the
// callers: snapshot and depth reads retry transient faults with bounded
// backoff, while order placement is attempted exactly once — a re-drive
// of the whole leg is the only safe retry for an order, and the
// conditional-write guard makes that idempotent.
package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/model"
)

// MarketGateway looks up live market state for one underlying market.
type MarketGateway interface {
	GetMarket(ctx context.Context, marketID string) (*model.MarketSnapshot, error)
}

// OrderbookGateway fetches bid/ask depth for one outcome token.
type OrderbookGateway interface {
	GetDepth(ctx context.Context, tokenID string) (*model.OrderbookSnapshot, error)
}

// FAKResult is the synchronous outcome of a Fill-And-Kill order. FAK never
// rests on the book, so there is no pending state and no order ID to poll.
type FAKResult struct {
	FilledShares fixedpoint.Micros
	FillPrice    fixedpoint.Price
}

// OrderGateway places immediate-or-cancel orders.
type OrderGateway interface {
	// PlaceFAK executes immediately against available liquidity up to
	// limitPrice and cancels any unfilled remainder. A zero FilledShares
	// result is an authoritative market outcome, never a fault.
	PlaceFAK(ctx context.Context, tokenID string, side model.Side, limitPrice fixedpoint.Price, size fixedpoint.Micros) (*FAKResult, error)
}

// ErrMarketNotFound is returned when the venue does not know the market.
var ErrMarketNotFound = errors.New("venue: market not found")

// APIError is an error response from the venue API.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Retryable reports whether err is a transient gateway fault: a retryable
// API status or a transport-level failure.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	// Transport errors (timeouts, resets) have no status code.
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrMarketNotFound)
}

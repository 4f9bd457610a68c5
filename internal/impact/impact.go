// Package impact estimates the price impact of marketable orders by
// walking order-book depth.
//
// The calculator is stateless and pure: levels in, totals out, no I/O.
// All stake and share arithmetic runs in integer micro-units
// (internal/fixedpoint); repeated division and multiplication in floating
// point produces visibly wrong totals across many levels. The percentage
// fields in the result are display-only and use shopspring/decimal.
package impact

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/model"
)

var (
	// ErrInvalidStake is returned when the stake is zero or negative.
	ErrInvalidStake = errors.New("impact: stake must be positive")

	// ErrInvalidTargetPrice is returned when the displayed price is not
	// positive.
	ErrInvalidTargetPrice = errors.New("impact: target price must be positive")
)

// DefaultLiquidityThreshold is the stake/liquidity ratio above which the
// displayed price is no longer trusted and a full order-book walk is
// required. Expressed as a micro-fraction: 50_000 = 5%.
const DefaultLiquidityThreshold fixedpoint.Micros = 50_000

// ImpactScale is the number of decimal places for the price-impact and
// fill-price analytics fields.
const ImpactScale int32 = 4

// Result is the outcome of one order-book walk.
type Result struct {
	// EstimatedFillPrice is the volume-weighted average price over the
	// consumed levels. Falls back to the target price when no shares are
	// acquirable.
	EstimatedFillPrice fixedpoint.Price

	// FillableAmount is the portion of the stake that the book can absorb,
	// in micro-dollars. Always <= the requested stake.
	FillableAmount fixedpoint.Micros

	// SharesAcquired is the total micro-shares bought by FillableAmount.
	SharesAcquired fixedpoint.Micros

	// PriceImpact is (fillPrice - targetPrice) / targetPrice, display-only.
	PriceImpact decimal.Decimal

	// InsufficientLiquidity is true when the levels ran out with spendable
	// stake remaining.
	InsufficientLiquidity bool
}

// Calculate walks depth levels in the order supplied (ascending price for
// a buy) until the stake is exhausted or the levels run out. At each level
// the shares purchasable by the remaining stake are capped by the level's
// available size; shares and cost accumulate exactly in micro-units.
//
// A residue too small to buy a single micro-share counts as exhausted
// stake, not as insufficient liquidity.
func Calculate(levels []model.PriceLevel, stake fixedpoint.Micros, targetPrice fixedpoint.Price) (Result, error) {
	if stake <= 0 {
		return Result{}, ErrInvalidStake
	}
	if targetPrice <= 0 {
		return Result{}, ErrInvalidTargetPrice
	}

	remaining := stake
	var totalShares, totalCost fixedpoint.Micros
	exhausted := false

	for _, lvl := range levels {
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}

		affordable := fixedpoint.SharesFor(remaining, lvl.Price)
		if affordable == 0 {
			exhausted = true
			break
		}

		shares := affordable
		if lvl.Size < shares {
			shares = lvl.Size
		}

		cost := fixedpoint.CostOf(shares, lvl.Price)
		totalShares += shares
		totalCost += cost
		remaining -= cost
	}

	res := Result{
		FillableAmount:        totalCost,
		SharesAcquired:        totalShares,
		InsufficientLiquidity: !exhausted && remaining > 0,
	}

	if totalShares > 0 {
		res.EstimatedFillPrice = fixedpoint.AvgPrice(totalCost, totalShares)
	} else {
		res.EstimatedFillPrice = targetPrice
	}

	res.PriceImpact = PriceImpact(res.EstimatedFillPrice, targetPrice)
	return res, nil
}

// PriceImpact returns (fill - target) / target rounded for display.
func PriceImpact(fill, target fixedpoint.Price) decimal.Decimal {
	if target <= 0 {
		return decimal.Zero
	}
	return fill.Decimal().Sub(target.Decimal()).Div(target.Decimal()).Round(ImpactScale)
}

// ExceedsLiquidityThreshold reports whether a stake is large enough
// relative to the market's liquidity that the displayed price cannot be
// trusted and the real book must be fetched. Unknown liquidity always
// requires a fetch.
func ExceedsLiquidityThreshold(stake, marketLiquidity, threshold fixedpoint.Micros) bool {
	if stake <= 0 {
		return false
	}
	if marketLiquidity <= 0 {
		return true
	}
	if threshold <= 0 {
		threshold = DefaultLiquidityThreshold
	}
	return fixedpoint.Ratio(stake, marketLiquidity) > threshold
}

// Package estimate produces pre-trade projections for accumulator chains.
//
// Each leg is estimated with the proceeds of the previous one: leg 1 spends
// the user's stake, leg n spends the payout of leg n-1 (winning shares
// redeem at $1, so micro-shares carry forward as micro-dollars). Impact
// therefore compounds down the chain, which is exactly what a user staring
// at four displayed prices does not see.
//
// The order book is only fetched when the stake is large relative to the
// market's liquidity; below the threshold the displayed price is close
// enough and the venue round-trip is skipped.
package estimate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/impact"
	"github.com/stakeflow/chain-engine/internal/metrics"
	"github.com/stakeflow/chain-engine/internal/model"
	"github.com/stakeflow/chain-engine/internal/store"
	"github.com/stakeflow/chain-engine/internal/venue"
)

// Warning strings attached to degraded leg estimates.
const (
	WarnNoMarketData = "market data unavailable; stake passed through unadjusted"
	WarnBookFetch    = "order book unavailable; using displayed price"
)

// LegEstimate is the projection for one leg of the chain.
type LegEstimate struct {
	Sequence int        `json:"sequence"`
	MarketID string     `json:"market_id"`
	TokenID  string     `json:"token_id"`
	Side     model.Side `json:"side"`

	Stake              fixedpoint.Micros `json:"stake"`
	TargetPrice        fixedpoint.Price  `json:"target_price"`
	MaxPrice           fixedpoint.Price  `json:"max_price,omitempty"`
	EstimatedFillPrice fixedpoint.Price  `json:"estimated_fill_price"`
	FillableAmount     fixedpoint.Micros `json:"fillable_amount"`
	SharesAcquired     fixedpoint.Micros `json:"shares_acquired"`

	PriceImpact           decimal.Decimal `json:"price_impact"`
	InsufficientLiquidity bool            `json:"insufficient_liquidity"`

	// Fallback marks a degraded estimate; Warning says why.
	Fallback bool   `json:"fallback,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

// ChainEstimate is the full cascading projection.
type ChainEstimate struct {
	Legs []LegEstimate `json:"legs"`

	// TotalCost is what the first leg actually spends: the cash outlay.
	// Later legs are funded by redeemed shares, not fresh money.
	TotalCost fixedpoint.Micros `json:"total_cost"`

	// ProjectedPayout is the final leg's shares in micro-dollars, assuming
	// every leg wins.
	ProjectedPayout fixedpoint.Micros `json:"projected_payout"`

	// TotalImpact is the compounded price impact across all legs:
	// Π(1 + impact_i) − 1.
	TotalImpact decimal.Decimal `json:"total_impact"`

	// InsufficientLiquidity is true if any leg could not absorb its stake.
	InsufficientLiquidity bool `json:"insufficient_liquidity"`

	// Warnings flattens the per-leg degradation notes.
	Warnings []string `json:"warnings,omitempty"`
}

// Service computes chain estimates from market snapshots and, when needed,
// live order-book depth.
type Service struct {
	store     store.Store
	books     venue.OrderbookGateway
	threshold fixedpoint.Micros
	logger    *slog.Logger
}

// NewService creates an estimate service. A non-positive threshold uses
// impact.DefaultLiquidityThreshold.
func NewService(st store.Store, books venue.OrderbookGateway, threshold fixedpoint.Micros, logger *slog.Logger) *Service {
	if threshold <= 0 {
		threshold = impact.DefaultLiquidityThreshold
	}
	return &Service{
		store:     st,
		books:     books,
		threshold: threshold,
		logger:    logger,
	}
}

// EstimateChain projects the outcome of staking `stake` micro-dollars on
// the given legs. Legs must already be validated; maxSlippage is the
// caller's tolerance as a micro-fraction and only shapes the per-leg limit
// prices shown. A leg with no market data degrades to a pass-through
// rather than failing the whole estimate.
func (s *Service) EstimateChain(ctx context.Context, legs []model.Leg, stake, maxSlippage fixedpoint.Micros) (*ChainEstimate, error) {
	if stake <= 0 {
		return nil, impact.ErrInvalidStake
	}

	est := &ChainEstimate{
		Legs:        make([]LegEstimate, 0, len(legs)),
		TotalImpact: decimal.Zero,
	}

	compounded := decimal.NewFromInt(1)
	carried := stake

	for i, leg := range legs {
		le := s.estimateLeg(ctx, leg, i+1, carried, maxSlippage)
		est.Legs = append(est.Legs, le)

		if le.InsufficientLiquidity {
			est.InsufficientLiquidity = true
		}
		if le.Warning != "" {
			est.Warnings = append(est.Warnings,
				fmt.Sprintf("leg %d: %s", le.Sequence, le.Warning))
		}
		compounded = compounded.Mul(decimal.NewFromInt(1).Add(le.PriceImpact))

		// Winning shares redeem at $1: micro-shares become the next
		// leg's micro-dollar stake. A pass-through leg carries the
		// stake unchanged.
		if le.Fallback && le.SharesAcquired == 0 {
			continue
		}
		carried = le.SharesAcquired
		if carried == 0 {
			break
		}
	}

	if len(est.Legs) > 0 {
		est.TotalCost = est.Legs[0].FillableAmount
	}
	est.ProjectedPayout = carried
	est.TotalImpact = compounded.Sub(decimal.NewFromInt(1)).Round(impact.ImpactScale)
	return est, nil
}

func (s *Service) estimateLeg(ctx context.Context, leg model.Leg, sequence int, stake, maxSlippage fixedpoint.Micros) LegEstimate {
	le := LegEstimate{
		Sequence:    sequence,
		MarketID:    leg.MarketID,
		TokenID:     leg.TokenID,
		Side:        leg.Side,
		Stake:       stake,
		PriceImpact: decimal.Zero,
	}

	snap, err := s.store.GetMarketSnapshot(ctx, leg.MarketID)
	if err != nil {
		s.logger.Warn("estimate: no market snapshot",
			"market_id", leg.MarketID, "sequence", sequence, "error", err)
		metrics.EstimateFallbacks.Inc()
		le.Fallback = true
		le.Warning = WarnNoMarketData
		le.FillableAmount = stake
		return le
	}
	le.TargetPrice = snap.CurrentPrice
	le.MaxPrice = fixedpoint.ApplySlippage(snap.CurrentPrice, maxSlippage)
	le.EstimatedFillPrice = snap.CurrentPrice

	if !impact.ExceedsLiquidityThreshold(stake, snap.Liquidity, s.threshold) {
		// Small order relative to the book: the displayed price holds.
		le.SharesAcquired = fixedpoint.SharesFor(stake, snap.CurrentPrice)
		le.FillableAmount = stake
		return le
	}

	book, err := s.books.GetDepth(ctx, leg.TokenID)
	if err != nil {
		s.logger.Warn("estimate: depth fetch failed",
			"token_id", leg.TokenID, "sequence", sequence, "error", err)
		metrics.EstimateFallbacks.Inc()
		le.Fallback = true
		le.Warning = WarnBookFetch
		le.SharesAcquired = fixedpoint.SharesFor(stake, snap.CurrentPrice)
		le.FillableAmount = stake
		return le
	}

	levels := book.Asks
	if leg.Side == model.SideSell {
		levels = book.Bids
	}

	res, err := impact.Calculate(levels, stake, snap.CurrentPrice)
	if err != nil {
		// Calculate only rejects bad inputs; with stake and price already
		// validated this is unreachable, but degrade rather than panic.
		le.Fallback = true
		le.Warning = WarnBookFetch
		le.SharesAcquired = fixedpoint.SharesFor(stake, snap.CurrentPrice)
		le.FillableAmount = stake
		return le
	}

	le.EstimatedFillPrice = res.EstimatedFillPrice
	le.FillableAmount = res.FillableAmount
	le.SharesAcquired = res.SharesAcquired
	le.PriceImpact = res.PriceImpact
	le.InsufficientLiquidity = res.InsufficientLiquidity
	return le
}

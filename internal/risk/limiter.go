// Package risk enforces join-time limits on accumulator chains.
//
// A ten-leg chain at plausible prices pays out thousands of times the stake;
// the book on the far legs cannot absorb that, and a user holding many open
// chains on the same wallet compounds the exposure. This package bounds
// chain shape and stake before any order reaches the venue.
package risk

import (
	"errors"

	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/model"
)

var (
	// ErrTooManyLegs is returned when a definition exceeds the leg cap.
	ErrTooManyLegs = errors.New("risk: too many legs")

	// ErrNoLegs is returned for an empty definition.
	ErrNoLegs = errors.New("risk: chain has no legs")

	// ErrStakeLimitExceeded is returned when the initial stake exceeds the
	// per-chain maximum.
	ErrStakeLimitExceeded = errors.New("risk: initial stake limit exceeded")

	// ErrStakeTooSmall is returned when the initial stake is below the
	// minimum worth executing.
	ErrStakeTooSmall = errors.New("risk: initial stake below minimum")

	// ErrOpenChainLimitExceeded is returned when the wallet already holds
	// the maximum number of active chains.
	ErrOpenChainLimitExceeded = errors.New("risk: open chain limit exceeded")

	// ErrDuplicateMarket is returned when two legs reference the same
	// market. Duplicate legs are perfectly correlated: the second leg adds
	// payout multiplication without independent risk.
	ErrDuplicateMarket = errors.New("risk: duplicate market in chain")

	// ErrSlippageOutOfRange is returned when max slippage is negative or
	// above the allowed ceiling.
	ErrSlippageOutOfRange = errors.New("risk: slippage out of range")
)

// Limiter enforces chain-level risk limits.
type Limiter struct {
	// MaxLegs is the maximum number of legs per chain definition.
	MaxLegs int

	// MinStake and MaxStake bound the initial stake, in micro-dollars.
	MinStake fixedpoint.Micros
	MaxStake fixedpoint.Micros

	// MaxOpenChains is the maximum number of simultaneously ACTIVE chains
	// per wallet.
	MaxOpenChains int

	// MaxSlippage is the highest per-leg slippage tolerance a user may
	// request, as a micro-fraction.
	MaxSlippage fixedpoint.Micros
}

// NewLimiter creates a limiter with the given bounds.
func NewLimiter(maxLegs int, minStake, maxStake fixedpoint.Micros, maxOpenChains int, maxSlippage fixedpoint.Micros) *Limiter {
	return &Limiter{
		MaxLegs:       maxLegs,
		MinStake:      minStake,
		MaxStake:      maxStake,
		MaxOpenChains: maxOpenChains,
		MaxSlippage:   maxSlippage,
	}
}

// CheckDefinition validates the shape of a chain definition: leg count,
// per-leg identifiers, and market uniqueness across legs.
func (l *Limiter) CheckDefinition(legs []model.Leg) error {
	if len(legs) == 0 {
		return ErrNoLegs
	}
	if len(legs) > l.MaxLegs {
		return ErrTooManyLegs
	}

	seen := make(map[string]struct{}, len(legs))
	for _, leg := range legs {
		if err := leg.Validate(); err != nil {
			return err
		}
		if _, ok := seen[leg.MarketID]; ok {
			return ErrDuplicateMarket
		}
		seen[leg.MarketID] = struct{}{}
	}
	return nil
}

// CheckJoin validates a user joining a chain: stake bounds, slippage
// tolerance, and the wallet's open-chain count (as reported by the store
// at call time).
func (l *Limiter) CheckJoin(stake, slippage fixedpoint.Micros, openChains int) error {
	if stake < l.MinStake {
		return ErrStakeTooSmall
	}
	if stake > l.MaxStake {
		return ErrStakeLimitExceeded
	}
	if slippage < 0 || slippage > l.MaxSlippage {
		return ErrSlippageOutOfRange
	}
	if openChains >= l.MaxOpenChains {
		return ErrOpenChainLimitExceeded
	}
	return nil
}

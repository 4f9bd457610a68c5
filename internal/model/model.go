// Package model defines the core domain types shared across the chain
// engine. Stakes, share quantities, and prices that feed execution use
// integer micro-units (internal/fixedpoint); decimal fields are
// display-only analytics.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stakeflow/chain-engine/internal/fixedpoint"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// BetStatus is the execution state of a single leg.
type BetStatus string

const (
	BetQueued            BetStatus = "QUEUED"
	BetReady             BetStatus = "READY"
	BetExecuting         BetStatus = "EXECUTING"
	BetFilled            BetStatus = "FILLED"
	BetUnfilled          BetStatus = "UNFILLED"
	BetMarketClosingSoon BetStatus = "MARKET_CLOSING_SOON"
	BetMarketClosed      BetStatus = "MARKET_CLOSED"
	BetSettled           BetStatus = "SETTLED"
	BetVoided            BetStatus = "VOIDED"
)

// ChainStatus is the state of one user's position on a chain.
type ChainStatus string

const (
	ChainActive    ChainStatus = "ACTIVE"
	ChainWon       ChainStatus = "WON"
	ChainLost      ChainStatus = "LOST"
	ChainFailed    ChainStatus = "FAILED"
	ChainCancelled ChainStatus = "CANCELLED"
)

// betTransitions is the complete Bet state machine. Transitions not listed
// here are invalid everywhere; call sites never encode their own rules.
var betTransitions = map[BetStatus][]BetStatus{
	BetQueued:    {BetReady, BetExecuting},
	BetReady:     {BetExecuting},
	BetExecuting: {BetFilled, BetUnfilled, BetMarketClosingSoon, BetMarketClosed, BetReady},
	BetFilled:    {BetSettled, BetVoided},
}

var chainTransitions = map[ChainStatus][]ChainStatus{
	ChainActive: {ChainWon, ChainLost, ChainFailed, ChainCancelled},
}

// CanTransition reports whether a Bet may move from one status to another.
// The EXECUTING → READY edge exists only to release a claim when a
// transient gateway fault aborts execution before any order is placed.
func (s BetStatus) CanTransition(to BetStatus) bool {
	for _, next := range betTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no execution transition leaves this status.
// FILLED is terminal for execution but still moves to SETTLED/VOIDED when
// the market resolves.
func (s BetStatus) Terminal() bool {
	switch s {
	case BetUnfilled, BetMarketClosingSoon, BetMarketClosed, BetSettled, BetVoided:
		return true
	}
	return false
}

// CanTransition reports whether a UserChain may move between statuses.
func (s ChainStatus) CanTransition(to ChainStatus) bool {
	for _, next := range chainTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the chain status is final.
func (s ChainStatus) Terminal() bool {
	return s != ChainActive
}

// Leg identifies one market-and-side step of a chain definition.
type Leg struct {
	MarketID string `json:"market_id"` // condition ID, 0x + 64 hex chars
	TokenID  string `json:"token_id"`  // outcome token, decimal string
	Side     Side   `json:"side"`
}

// marketIDRegex matches a conditional-token condition ID.
var marketIDRegex = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// tokenIDRegex matches an outcome token ID (large base-10 integer).
var tokenIDRegex = regexp.MustCompile(`^[0-9]{1,80}$`)

var (
	ErrInvalidMarketID = errors.New("model: invalid market id")
	ErrInvalidTokenID  = errors.New("model: invalid token id")
	ErrInvalidSide     = errors.New("model: side must be BUY or SELL")
)

// Validate checks leg identifiers and side.
func (l Leg) Validate() error {
	if !marketIDRegex.MatchString(l.MarketID) {
		return fmt.Errorf("%w: %q (expected 0x + 64 hex chars)", ErrInvalidMarketID, l.MarketID)
	}
	if !tokenIDRegex.MatchString(l.TokenID) {
		return fmt.Errorf("%w: %q", ErrInvalidTokenID, l.TokenID)
	}
	if l.Side != SideBuy && l.Side != SideSell {
		return fmt.Errorf("%w: %q", ErrInvalidSide, l.Side)
	}
	return nil
}

// ChainDefinition is the immutable ordered sequence of legs making up an
// accumulator. Created once when the chain is first proposed and shared by
// every user who joins it; never mutated afterwards.
type ChainDefinition struct {
	ID        string    `json:"id" db:"id"`
	Legs      []Leg     `json:"legs" db:"legs"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// UserChain is one user's position on a ChainDefinition. Mutated only by
// the executor as legs resolve; terminal statuses receive no further writes.
type UserChain struct {
	ID               string            `json:"id" db:"id"`
	DefinitionID     string            `json:"definition_id" db:"definition_id"`
	WalletID         string            `json:"wallet_id" db:"wallet_id"`
	RequestedStake   fixedpoint.Micros `json:"requested_stake" db:"requested_stake"`
	ActualStake      fixedpoint.Micros `json:"actual_stake" db:"actual_stake"` // realized after leg 1
	MaxSlippage      fixedpoint.Micros `json:"max_slippage" db:"max_slippage"` // micro-fraction
	CumulativeImpact decimal.Decimal   `json:"cumulative_impact" db:"cumulative_impact"`
	CurrentLeg       int               `json:"current_leg" db:"current_leg"`
	Status           ChainStatus       `json:"status" db:"status"`
	FailureReason    string            `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// Bet is one leg of one user's chain. Sequence is 1-based; exactly one Bet
// per UserChain transitions at a time, enforced by sequence ordering and
// the conditional-write guard at the store.
type Bet struct {
	ID       string `json:"id" db:"id"`
	ChainID  string `json:"chain_id" db:"chain_id"`
	WalletID string `json:"wallet_id" db:"wallet_id"`
	Sequence int    `json:"sequence" db:"sequence"`
	MarketID string `json:"market_id" db:"market_id"`
	TokenID  string `json:"token_id" db:"token_id"`
	Side     Side   `json:"side" db:"side"`

	TargetPrice fixedpoint.Price `json:"target_price" db:"target_price"` // displayed to the user
	MaxPrice    fixedpoint.Price `json:"max_price" db:"max_price"`       // target × (1 + slippage)

	RequestedStake fixedpoint.Micros `json:"requested_stake" db:"requested_stake"`
	ActualStake    fixedpoint.Micros `json:"actual_stake" db:"actual_stake"`
	FilledShares   fixedpoint.Micros `json:"filled_shares" db:"filled_shares"`
	FillPrice      fixedpoint.Price  `json:"fill_price" db:"fill_price"`

	FillPercentage decimal.Decimal `json:"fill_percentage" db:"fill_percentage"`
	PriceImpact    decimal.Decimal `json:"price_impact" db:"price_impact"`

	Status    BetStatus `json:"status" db:"status"`
	Reason    string    `json:"reason,omitempty" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MarketSnapshot is the read-mostly view of one underlying market,
// refreshed periodically by an external sync process.
type MarketSnapshot struct {
	MarketID     string            `json:"market_id" db:"market_id"`
	TokenID      string            `json:"token_id" db:"token_id"`
	Liquidity    fixedpoint.Micros `json:"liquidity" db:"liquidity"`
	EndDate      time.Time         `json:"end_date" db:"end_date"`
	CurrentPrice fixedpoint.Price  `json:"current_price" db:"current_price"`
	Open         bool              `json:"open" db:"open"`
	SyncedAt     time.Time         `json:"synced_at" db:"synced_at"`
}

// PriceLevel is one bid or ask depth level.
type PriceLevel struct {
	Price fixedpoint.Price  `json:"price"`
	Size  fixedpoint.Micros `json:"size"` // micro-shares available
}

// OrderbookSnapshot is ephemeral bid/ask depth fetched on demand. It is
// never persisted; its lifetime is the single calculation consuming it.
type OrderbookSnapshot struct {
	TokenID string       `json:"token_id"`
	Bids    []PriceLevel `json:"bids"` // descending price
	Asks    []PriceLevel `json:"asks"` // ascending price
}

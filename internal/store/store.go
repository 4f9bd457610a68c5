// Package store defines the persistence interface for the chain engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for read-mostly entities), and in-memory (for testing).
//
// Status-changing writes are conditional: they succeed only when the entity
// is still in one of the expected statuses. This optimistic-concurrency
// discipline is the engine's sole concurrency primitive — executor
// invocations are independently scheduled, so an in-process mutex would
// guard nothing.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/model"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a conditional write finds the entity
	// already past the expected status. Callers treat it as a benign no-op.
	ErrConflict = errors.New("store: conditional write conflict")

	// ErrInvalidTransition is returned when a requested status change is
	// not in the entity's transition table. Unlike ErrConflict this is a
	// programming error, never a race.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrDuplicate is returned when creating an entity that already exists.
	ErrDuplicate = errors.New("store: already exists")
)

// Store is the persistence interface.
type Store interface {
	// --- Chain definitions (immutable) ---

	CreateChainDefinition(ctx context.Context, def *model.ChainDefinition) error
	GetChainDefinition(ctx context.Context, id string) (*model.ChainDefinition, error)

	// --- User chains ---

	CreateUserChain(ctx context.Context, chain *model.UserChain) error
	GetUserChain(ctx context.Context, id string) (*model.UserChain, error)
	ListUserChainsByWallet(ctx context.Context, walletID string) ([]model.UserChain, error)

	// CountOpenChainsByWallet returns the number of ACTIVE chains held by
	// a wallet, for join-time risk checks.
	CountOpenChainsByWallet(ctx context.Context, walletID string) (int, error)

	// UpdateUserChainProgress records leg-cascade results on an ACTIVE
	// chain: realized stake after leg 1, compounded impact, leg pointer.
	UpdateUserChainProgress(ctx context.Context, id string, actualStake fixedpoint.Micros, cumulativeImpact decimal.Decimal, currentLeg int) error

	// ConditionalUpdateChainStatus moves a chain to a terminal status only
	// if it is still in one of the expected statuses. Returns ErrConflict
	// otherwise.
	ConditionalUpdateChainStatus(ctx context.Context, id string, to model.ChainStatus, reason string, expected ...model.ChainStatus) error

	// --- Bets ---

	CreateBet(ctx context.Context, bet *model.Bet) error
	GetBet(ctx context.Context, id string) (*model.Bet, error)
	GetBetBySequence(ctx context.Context, chainID string, sequence int) (*model.Bet, error)
	ListBetsByChain(ctx context.Context, chainID string) ([]model.Bet, error)

	// UpdateBetStake sets the requested stake of a not-yet-executed bet
	// (the cascade writing leg i's proceeds into leg i+1).
	UpdateBetStake(ctx context.Context, id string, requested fixedpoint.Micros) error

	// UpdateBetExecution writes fill fields and the terminal status of a
	// bet currently EXECUTING. Conditional on that status; ErrConflict if
	// the claim was lost.
	UpdateBetExecution(ctx context.Context, bet *model.Bet) error

	// ConditionalUpdateBetStatus moves a bet between statuses only if it
	// is still in one of the expected statuses. The QUEUED/READY →
	// EXECUTING claim runs through here.
	ConditionalUpdateBetStatus(ctx context.Context, id string, to model.BetStatus, reason string, expected ...model.BetStatus) error

	// --- Market snapshots (read-mostly, refreshed by external sync) ---

	UpsertMarketSnapshot(ctx context.Context, snap *model.MarketSnapshot) error
	GetMarketSnapshot(ctx context.Context, marketID string) (*model.MarketSnapshot, error)
}

// validateBetTransition rejects transitions not in the model's table, for
// every expected source status. Central enforcement: implementations call
// this before touching storage.
func validateBetTransition(to model.BetStatus, expected []model.BetStatus) error {
	if len(expected) == 0 {
		return ErrInvalidTransition
	}
	for _, from := range expected {
		if !from.CanTransition(to) {
			return ErrInvalidTransition
		}
	}
	return nil
}

func validateChainTransition(to model.ChainStatus, expected []model.ChainStatus) error {
	if len(expected) == 0 {
		return ErrInvalidTransition
	}
	for _, from := range expected {
		if !from.CanTransition(to) {
			return ErrInvalidTransition
		}
	}
	return nil
}

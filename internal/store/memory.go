package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Conditional updates take the same lock as everything else,
// so the optimistic-concurrency semantics match the PostgreSQL store.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*model.ChainDefinition
	chains      map[string]*model.UserChain
	bets        map[string]*model.Bet
	snapshots   map[string]*model.MarketSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*model.ChainDefinition),
		chains:      make(map[string]*model.UserChain),
		bets:        make(map[string]*model.Bet),
		snapshots:   make(map[string]*model.MarketSnapshot),
	}
}

func (s *MemoryStore) CreateChainDefinition(_ context.Context, def *model.ChainDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.definitions[def.ID]; ok {
		return ErrDuplicate
	}
	cp := *def
	cp.Legs = append([]model.Leg(nil), def.Legs...)
	s.definitions[def.ID] = &cp
	return nil
}

func (s *MemoryStore) GetChainDefinition(_ context.Context, id string) (*model.ChainDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *def
	cp.Legs = append([]model.Leg(nil), def.Legs...)
	return &cp, nil
}

func (s *MemoryStore) CreateUserChain(_ context.Context, chain *model.UserChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chains[chain.ID]; ok {
		return ErrDuplicate
	}
	cp := *chain
	s.chains[chain.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUserChain(_ context.Context, id string) (*model.UserChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, ok := s.chains[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *chain
	return &cp, nil
}

func (s *MemoryStore) ListUserChainsByWallet(_ context.Context, walletID string) ([]model.UserChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chains []model.UserChain
	for _, c := range s.chains {
		if c.WalletID == walletID {
			chains = append(chains, *c)
		}
	}
	return chains, nil
}

func (s *MemoryStore) CountOpenChainsByWallet(_ context.Context, walletID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.chains {
		if c.WalletID == walletID && c.Status == model.ChainActive {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateUserChainProgress(_ context.Context, id string, actualStake fixedpoint.Micros, cumulativeImpact decimal.Decimal, currentLeg int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, ok := s.chains[id]
	if !ok {
		return ErrNotFound
	}
	chain.ActualStake = actualStake
	chain.CumulativeImpact = cumulativeImpact
	chain.CurrentLeg = currentLeg
	chain.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ConditionalUpdateChainStatus(_ context.Context, id string, to model.ChainStatus, reason string, expected ...model.ChainStatus) error {
	if err := validateChainTransition(to, expected); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain, ok := s.chains[id]
	if !ok {
		return ErrNotFound
	}
	for _, from := range expected {
		if chain.Status == from {
			chain.Status = to
			if reason != "" {
				chain.FailureReason = reason
			}
			chain.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrConflict
}

func (s *MemoryStore) CreateBet(_ context.Context, bet *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bets[bet.ID]; ok {
		return ErrDuplicate
	}
	cp := *bet
	s.bets[bet.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bet, ok := s.bets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *bet
	return &cp, nil
}

func (s *MemoryStore) GetBetBySequence(_ context.Context, chainID string, sequence int) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bets {
		if b.ChainID == chainID && b.Sequence == sequence {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListBetsByChain(_ context.Context, chainID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bets []model.Bet
	for _, b := range s.bets {
		if b.ChainID == chainID {
			bets = append(bets, *b)
		}
	}
	// Insertion order is map order; callers sort by sequence.
	return bets, nil
}

func (s *MemoryStore) UpdateBetStake(_ context.Context, id string, requested fixedpoint.Micros) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bet, ok := s.bets[id]
	if !ok {
		return ErrNotFound
	}
	bet.RequestedStake = requested
	bet.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateBetExecution(_ context.Context, upd *model.Bet) error {
	if err := validateBetTransition(upd.Status, []model.BetStatus{model.BetExecuting}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bet, ok := s.bets[upd.ID]
	if !ok {
		return ErrNotFound
	}
	if bet.Status != model.BetExecuting {
		return ErrConflict
	}
	bet.Status = upd.Status
	bet.Reason = upd.Reason
	bet.ActualStake = upd.ActualStake
	bet.FilledShares = upd.FilledShares
	bet.FillPrice = upd.FillPrice
	bet.FillPercentage = upd.FillPercentage
	bet.PriceImpact = upd.PriceImpact
	bet.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ConditionalUpdateBetStatus(_ context.Context, id string, to model.BetStatus, reason string, expected ...model.BetStatus) error {
	if err := validateBetTransition(to, expected); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bet, ok := s.bets[id]
	if !ok {
		return ErrNotFound
	}
	for _, from := range expected {
		if bet.Status == from {
			bet.Status = to
			if reason != "" {
				bet.Reason = reason
			}
			bet.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrConflict
}

func (s *MemoryStore) UpsertMarketSnapshot(_ context.Context, snap *model.MarketSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snap
	s.snapshots[snap.MarketID] = &cp
	return nil
}

func (s *MemoryStore) GetMarketSnapshot(_ context.Context, marketID string) (*model.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[marketID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

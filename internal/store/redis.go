package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the read-mostly entities: chain definitions (immutable once
// created) and market snapshots (refreshed by external sync, read on every
// estimate). Mutable entities — user chains and bets — always hit the
// primary so conditional updates see fresh state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Chain definitions (immutable, cached forever up to TTL) ---

func (s *CachedStore) CreateChainDefinition(ctx context.Context, def *model.ChainDefinition) error {
	if err := s.primary.CreateChainDefinition(ctx, def); err != nil {
		return err
	}
	s.cacheDefinition(ctx, def)
	return nil
}

func (s *CachedStore) GetChainDefinition(ctx context.Context, id string) (*model.ChainDefinition, error) {
	data, err := s.rdb.Get(ctx, definitionKey(id)).Bytes()
	if err == nil {
		var def model.ChainDefinition
		if json.Unmarshal(data, &def) == nil {
			return &def, nil
		}
	}

	def, err := s.primary.GetChainDefinition(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheDefinition(ctx, def)
	return def, nil
}

// --- Market snapshots (cached, invalidated on upsert) ---

func (s *CachedStore) UpsertMarketSnapshot(ctx context.Context, snap *model.MarketSnapshot) error {
	if err := s.primary.UpsertMarketSnapshot(ctx, snap); err != nil {
		return err
	}
	// Invalidate rather than write: next read re-populates from primary.
	s.rdb.Del(ctx, snapshotKey(snap.MarketID))
	return nil
}

func (s *CachedStore) GetMarketSnapshot(ctx context.Context, marketID string) (*model.MarketSnapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(marketID)).Bytes()
	if err == nil {
		var snap model.MarketSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.GetMarketSnapshot(ctx, marketID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey(marketID), data, s.ttl)
	}
	return snap, nil
}

// --- Passthrough (mutable entities, never cached) ---

func (s *CachedStore) CreateUserChain(ctx context.Context, chain *model.UserChain) error {
	return s.primary.CreateUserChain(ctx, chain)
}

func (s *CachedStore) GetUserChain(ctx context.Context, id string) (*model.UserChain, error) {
	return s.primary.GetUserChain(ctx, id)
}

func (s *CachedStore) ListUserChainsByWallet(ctx context.Context, walletID string) ([]model.UserChain, error) {
	return s.primary.ListUserChainsByWallet(ctx, walletID)
}

func (s *CachedStore) CountOpenChainsByWallet(ctx context.Context, walletID string) (int, error) {
	return s.primary.CountOpenChainsByWallet(ctx, walletID)
}

func (s *CachedStore) UpdateUserChainProgress(ctx context.Context, id string, actualStake fixedpoint.Micros, cumulativeImpact decimal.Decimal, currentLeg int) error {
	return s.primary.UpdateUserChainProgress(ctx, id, actualStake, cumulativeImpact, currentLeg)
}

func (s *CachedStore) ConditionalUpdateChainStatus(ctx context.Context, id string, to model.ChainStatus, reason string, expected ...model.ChainStatus) error {
	return s.primary.ConditionalUpdateChainStatus(ctx, id, to, reason, expected...)
}

func (s *CachedStore) CreateBet(ctx context.Context, bet *model.Bet) error {
	return s.primary.CreateBet(ctx, bet)
}

func (s *CachedStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	return s.primary.GetBet(ctx, id)
}

func (s *CachedStore) GetBetBySequence(ctx context.Context, chainID string, sequence int) (*model.Bet, error) {
	return s.primary.GetBetBySequence(ctx, chainID, sequence)
}

func (s *CachedStore) ListBetsByChain(ctx context.Context, chainID string) ([]model.Bet, error) {
	return s.primary.ListBetsByChain(ctx, chainID)
}

func (s *CachedStore) UpdateBetStake(ctx context.Context, id string, requested fixedpoint.Micros) error {
	return s.primary.UpdateBetStake(ctx, id, requested)
}

func (s *CachedStore) UpdateBetExecution(ctx context.Context, bet *model.Bet) error {
	return s.primary.UpdateBetExecution(ctx, bet)
}

func (s *CachedStore) ConditionalUpdateBetStatus(ctx context.Context, id string, to model.BetStatus, reason string, expected ...model.BetStatus) error {
	return s.primary.ConditionalUpdateBetStatus(ctx, id, to, reason, expected...)
}

// --- Cache helpers ---

func (s *CachedStore) cacheDefinition(ctx context.Context, def *model.ChainDefinition) {
	if data, err := json.Marshal(def); err == nil {
		s.rdb.Set(ctx, definitionKey(def.ID), data, s.ttl)
	}
}

func definitionKey(id string) string { return fmt.Sprintf("chaindef:%s", id) }
func snapshotKey(id string) string   { return fmt.Sprintf("market:%s", id) }

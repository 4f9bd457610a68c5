package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Micro-unit amounts are stored as BIGINT; display decimals as NUMERIC.
// Conditional status updates rely on row counts from
// `UPDATE ... WHERE status = ANY(expected)` — the database is the referee
// for concurrent executor invocations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateChainDefinition(ctx context.Context, def *model.ChainDefinition) error {
	legs, err := json.Marshal(def.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chain_definitions (id, legs, created_at) VALUES ($1, $2, $3)`,
		def.ID, legs, def.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetChainDefinition(ctx context.Context, id string) (*model.ChainDefinition, error) {
	var def model.ChainDefinition
	var legs []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, legs, created_at FROM chain_definitions WHERE id = $1`, id).
		Scan(&def.ID, &legs, &def.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chain definition %s: %w", id, err)
	}

	if err := json.Unmarshal(legs, &def.Legs); err != nil {
		return nil, fmt.Errorf("decode legs for %s: %w", id, err)
	}
	return &def, nil
}

func (s *PostgresStore) CreateUserChain(ctx context.Context, c *model.UserChain) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_chains
		   (id, definition_id, wallet_id, requested_stake, actual_stake,
		    max_slippage, cumulative_impact, current_leg, status,
		    failure_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12)`,
		c.ID, c.DefinitionID, c.WalletID,
		int64(c.RequestedStake), int64(c.ActualStake), int64(c.MaxSlippage),
		c.CumulativeImpact.String(), c.CurrentLeg, string(c.Status),
		c.FailureReason, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetUserChain(ctx context.Context, id string) (*model.UserChain, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, definition_id, wallet_id, requested_stake, actual_stake,
		        max_slippage, cumulative_impact::TEXT, current_leg, status,
		        failure_reason, created_at, updated_at
		 FROM user_chains WHERE id = $1`, id)

	chain, err := scanUserChain(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user chain %s: %w", id, err)
	}
	return chain, nil
}

func (s *PostgresStore) ListUserChainsByWallet(ctx context.Context, walletID string) ([]model.UserChain, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, definition_id, wallet_id, requested_stake, actual_stake,
		        max_slippage, cumulative_impact::TEXT, current_leg, status,
		        failure_reason, created_at, updated_at
		 FROM user_chains WHERE wallet_id = $1 ORDER BY created_at DESC`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []model.UserChain
	for rows.Next() {
		chain, err := scanUserChain(rows)
		if err != nil {
			return nil, err
		}
		chains = append(chains, *chain)
	}
	return chains, rows.Err()
}

func (s *PostgresStore) CountOpenChainsByWallet(ctx context.Context, walletID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_chains WHERE wallet_id = $1 AND status = $2`,
		walletID, string(model.ChainActive)).Scan(&n)
	return n, err
}

func (s *PostgresStore) UpdateUserChainProgress(ctx context.Context, id string, actualStake fixedpoint.Micros, cumulativeImpact decimal.Decimal, currentLeg int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_chains
		 SET actual_stake = $2, cumulative_impact = $3::NUMERIC,
		     current_leg = $4, updated_at = $5
		 WHERE id = $1`,
		id, int64(actualStake), cumulativeImpact.String(), currentLeg, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ConditionalUpdateChainStatus(ctx context.Context, id string, to model.ChainStatus, reason string, expected ...model.ChainStatus) error {
	if err := validateChainTransition(to, expected); err != nil {
		return err
	}

	exp := make([]string, len(expected))
	for i, e := range expected {
		exp[i] = string(e)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE user_chains
		 SET status = $2,
		     failure_reason = CASE WHEN $3 <> '' THEN $3 ELSE failure_reason END,
		     updated_at = $4
		 WHERE id = $1 AND status = ANY($5)`,
		id, string(to), reason, time.Now().UTC(), exp,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already past the expected status; distinguish
		// so callers can treat conflicts as benign.
		if _, err := s.GetUserChain(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) CreateBet(ctx context.Context, b *model.Bet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bets
		   (id, chain_id, wallet_id, sequence, market_id, token_id, side,
		    target_price, max_price, requested_stake, actual_stake,
		    filled_shares, fill_price, fill_percentage, price_impact,
		    status, reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		         $14::NUMERIC, $15::NUMERIC, $16, $17, $18, $19)`,
		b.ID, b.ChainID, b.WalletID, b.Sequence, b.MarketID, b.TokenID, string(b.Side),
		int64(b.TargetPrice), int64(b.MaxPrice), int64(b.RequestedStake), int64(b.ActualStake),
		int64(b.FilledShares), int64(b.FillPrice),
		b.FillPercentage.String(), b.PriceImpact.String(),
		string(b.Status), b.Reason, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

const betColumns = `id, chain_id, wallet_id, sequence, market_id, token_id, side,
		target_price, max_price, requested_stake, actual_stake,
		filled_shares, fill_price, fill_percentage::TEXT, price_impact::TEXT,
		status, reason, created_at, updated_at`

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE id = $1`, id)
	bet, err := scanBet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", id, err)
	}
	return bet, nil
}

func (s *PostgresStore) GetBetBySequence(ctx context.Context, chainID string, sequence int) (*model.Bet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE chain_id = $1 AND sequence = $2`,
		chainID, sequence)
	bet, err := scanBet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bet %s/%d: %w", chainID, sequence, err)
	}
	return bet, nil
}

func (s *PostgresStore) ListBetsByChain(ctx context.Context, chainID string) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE chain_id = $1 ORDER BY sequence`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		bet, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *bet)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) UpdateBetStake(ctx context.Context, id string, requested fixedpoint.Micros) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bets SET requested_stake = $2, updated_at = $3 WHERE id = $1`,
		id, int64(requested), time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateBetExecution(ctx context.Context, b *model.Bet) error {
	if err := validateBetTransition(b.Status, []model.BetStatus{model.BetExecuting}); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE bets
		 SET status = $2, reason = $3, actual_stake = $4, filled_shares = $5,
		     fill_price = $6, fill_percentage = $7::NUMERIC,
		     price_impact = $8::NUMERIC, updated_at = $9
		 WHERE id = $1 AND status = $10`,
		b.ID, string(b.Status), b.Reason,
		int64(b.ActualStake), int64(b.FilledShares), int64(b.FillPrice),
		b.FillPercentage.String(), b.PriceImpact.String(), time.Now().UTC(),
		string(model.BetExecuting),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBet(ctx, b.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ConditionalUpdateBetStatus(ctx context.Context, id string, to model.BetStatus, reason string, expected ...model.BetStatus) error {
	if err := validateBetTransition(to, expected); err != nil {
		return err
	}

	exp := make([]string, len(expected))
	for i, e := range expected {
		exp[i] = string(e)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE bets
		 SET status = $2,
		     reason = CASE WHEN $3 <> '' THEN $3 ELSE reason END,
		     updated_at = $4
		 WHERE id = $1 AND status = ANY($5)`,
		id, string(to), reason, time.Now().UTC(), exp,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBet(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) UpsertMarketSnapshot(ctx context.Context, snap *model.MarketSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_snapshots
		   (market_id, token_id, liquidity, end_date, current_price, open, synced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (market_id) DO UPDATE
		 SET token_id = $2, liquidity = $3, end_date = $4,
		     current_price = $5, open = $6, synced_at = $7`,
		snap.MarketID, snap.TokenID, int64(snap.Liquidity),
		snap.EndDate, int64(snap.CurrentPrice), snap.Open, snap.SyncedAt,
	)
	return err
}

func (s *PostgresStore) GetMarketSnapshot(ctx context.Context, marketID string) (*model.MarketSnapshot, error) {
	var snap model.MarketSnapshot
	var liquidity, price int64

	err := s.pool.QueryRow(ctx,
		`SELECT market_id, token_id, liquidity, end_date, current_price, open, synced_at
		 FROM market_snapshots WHERE market_id = $1`, marketID).
		Scan(&snap.MarketID, &snap.TokenID, &liquidity, &snap.EndDate,
			&price, &snap.Open, &snap.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market snapshot %s: %w", marketID, err)
	}

	snap.Liquidity = fixedpoint.Micros(liquidity)
	snap.CurrentPrice = fixedpoint.Price(price)
	return &snap, nil
}

// --- row scanning ---

type pgxRow interface {
	Scan(dest ...any) error
}

func scanUserChain(row pgxRow) (*model.UserChain, error) {
	var c model.UserChain
	var requested, actual, slippage int64
	var impact, status string

	if err := row.Scan(&c.ID, &c.DefinitionID, &c.WalletID,
		&requested, &actual, &slippage, &impact, &c.CurrentLeg,
		&status, &c.FailureReason, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	c.RequestedStake = fixedpoint.Micros(requested)
	c.ActualStake = fixedpoint.Micros(actual)
	c.MaxSlippage = fixedpoint.Micros(slippage)
	c.Status = model.ChainStatus(status)
	c.CumulativeImpact, _ = decimal.NewFromString(impact)
	return &c, nil
}

func scanBet(row pgxRow) (*model.Bet, error) {
	var b model.Bet
	var target, max, requested, actual, filled, fillPrice int64
	var fillPct, priceImpact, side, status string

	if err := row.Scan(&b.ID, &b.ChainID, &b.WalletID, &b.Sequence,
		&b.MarketID, &b.TokenID, &side,
		&target, &max, &requested, &actual, &filled, &fillPrice,
		&fillPct, &priceImpact, &status, &b.Reason,
		&b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}

	b.Side = model.Side(side)
	b.Status = model.BetStatus(status)
	b.TargetPrice = fixedpoint.Price(target)
	b.MaxPrice = fixedpoint.Price(max)
	b.RequestedStake = fixedpoint.Micros(requested)
	b.ActualStake = fixedpoint.Micros(actual)
	b.FilledShares = fixedpoint.Micros(filled)
	b.FillPrice = fixedpoint.Price(fillPrice)
	b.FillPercentage, _ = decimal.NewFromString(fillPct)
	b.PriceImpact, _ = decimal.NewFromString(priceImpact)
	return &b, nil
}

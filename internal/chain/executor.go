// Package chain runs accumulator chains: one Fill-And-Kill order per leg,
// each leg staking the settled proceeds of the previous one.
//
// Execution is drive-by-trigger: a trigger names a (chain, sequence) pair
// and may arrive more than once — from the creation path, from settlement,
// from a manual re-drive, or from a dispatcher retry. The QUEUED/READY →
// EXECUTING conditional write at the store is what makes duplicates safe;
// the executor holds no locks and keeps no state between invocations.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/impact"
	"github.com/stakeflow/chain-engine/internal/metrics"
	"github.com/stakeflow/chain-engine/internal/model"
	"github.com/stakeflow/chain-engine/internal/store"
	"github.com/stakeflow/chain-engine/internal/venue"
)

// DefaultCloseWindow is how close to market resolution a leg may still
// execute. Inside this window the order is not placed: a market about to
// resolve has a book that reflects the near-certain outcome, and a fill
// there buys nothing but fees.
const DefaultCloseWindow = 24 * time.Hour

// Chain failure reasons, recorded on the UserChain and used as the
// metrics label.
const (
	ReasonUnfilled    = "leg_unfilled"
	ReasonClosingSoon = "market_closing_soon"
	ReasonClosed      = "market_closed"
	ReasonOrderFault  = "order_placement_failed"
	ReasonLegLost     = "leg_lost"
	ReasonVoided      = "market_voided"
)

// ErrChainNotActive is returned when a trigger references a chain that has
// already reached a terminal status.
var ErrChainNotActive = errors.New("chain: not active")

// Executor executes single legs and applies settlement outcomes.
type Executor struct {
	store       store.Store
	markets     venue.MarketGateway
	orders      venue.OrderGateway
	hub         *WSHub
	logger      *slog.Logger
	closeWindow time.Duration
	now         func() time.Time
}

// NewExecutor creates an executor. hub may be nil. A non-positive
// closeWindow uses DefaultCloseWindow.
func NewExecutor(st store.Store, markets venue.MarketGateway, orders venue.OrderGateway, hub *WSHub, logger *slog.Logger, closeWindow time.Duration) *Executor {
	if closeWindow <= 0 {
		closeWindow = DefaultCloseWindow
	}
	return &Executor{
		store:       st,
		markets:     markets,
		orders:      orders,
		hub:         hub,
		logger:      logger,
		closeWindow: closeWindow,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ExecuteLeg runs one leg of one chain to a terminal bet status.
//
// Duplicate triggers and triggers for finished chains return nil: they are
// expected traffic, not faults. A non-nil return means the leg was NOT
// executed and the trigger may be re-driven; venue.Retryable distinguishes
// transient faults worth an automatic retry.
func (e *Executor) ExecuteLeg(ctx context.Context, chainID string, sequence int) error {
	start := e.now()

	chain, err := e.store.GetUserChain(ctx, chainID)
	if err != nil {
		return fmt.Errorf("load chain %s: %w", chainID, err)
	}
	if chain.Status != model.ChainActive {
		e.logger.Info("trigger for finished chain ignored",
			"chain_id", chainID, "status", chain.Status)
		return nil
	}

	bet, err := e.store.GetBet(ctx, betID(chainID, sequence))
	if errors.Is(err, store.ErrNotFound) {
		bet, err = e.store.GetBetBySequence(ctx, chainID, sequence)
	}
	if err != nil {
		return fmt.Errorf("load bet %s/%d: %w", chainID, sequence, err)
	}

	// Claim. Losing the race means another invocation owns this leg.
	err = e.store.ConditionalUpdateBetStatus(ctx, bet.ID, model.BetExecuting, "",
		model.BetQueued, model.BetReady)
	if errors.Is(err, store.ErrConflict) {
		metrics.DuplicateTriggers.Inc()
		e.logger.Info("duplicate trigger dropped",
			"chain_id", chainID, "sequence", sequence, "status", bet.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim bet %s: %w", bet.ID, err)
	}
	bet.Status = model.BetExecuting

	// Market guards run before the order. A gateway fault here releases
	// the claim: nothing was placed, so a later trigger can retry.
	snap, err := e.markets.GetMarket(ctx, bet.MarketID)
	if err != nil {
		e.releaseClaim(ctx, bet.ID)
		return fmt.Errorf("market lookup %s: %w", bet.MarketID, err)
	}

	if !snap.Open {
		return e.finishLeg(ctx, chain, bet, legOutcome{
			status: model.BetMarketClosed,
			reason: ReasonClosed,
		}, start)
	}
	if !snap.EndDate.IsZero() && snap.EndDate.Sub(e.now()) < e.closeWindow {
		return e.finishLeg(ctx, chain, bet, legOutcome{
			status: model.BetMarketClosingSoon,
			reason: ReasonClosingSoon,
		}, start)
	}

	// Size the order so that a full fill at the limit price cannot spend
	// more than the leg's stake.
	size := fixedpoint.SharesFor(bet.RequestedStake, bet.MaxPrice)
	if size == 0 {
		return e.finishLeg(ctx, chain, bet, legOutcome{
			status: model.BetUnfilled,
			reason: ReasonUnfilled,
		}, start)
	}

	res, err := e.orders.PlaceFAK(ctx, bet.TokenID, bet.Side, bet.MaxPrice, size)
	if err != nil {
		// Past this point the order may have reached the venue, so the
		// claim is never released; the leg fails closed.
		e.logger.Error("order placement failed",
			"chain_id", chainID, "sequence", sequence, "error", err)
		return e.finishLeg(ctx, chain, bet, legOutcome{
			status: model.BetUnfilled,
			reason: ReasonOrderFault,
		}, start)
	}

	if res.FilledShares == 0 {
		// A zero FAK fill is the market's answer, not a fault.
		return e.finishLeg(ctx, chain, bet, legOutcome{
			status: model.BetUnfilled,
			reason: ReasonUnfilled,
		}, start)
	}

	return e.finishLeg(ctx, chain, bet, legOutcome{
		status:       model.BetFilled,
		filledShares: res.FilledShares,
		fillPrice:    res.FillPrice,
	}, start)
}

type legOutcome struct {
	status       model.BetStatus
	reason       string
	filledShares fixedpoint.Micros
	fillPrice    fixedpoint.Price
}

// finishLeg records the terminal bet status, updates the chain, and emits
// telemetry. Called exactly once per successful claim.
func (e *Executor) finishLeg(ctx context.Context, chain *model.UserChain, bet *model.Bet, out legOutcome, start time.Time) error {
	upd := *bet
	upd.Status = out.status
	upd.Reason = out.reason

	if out.status == model.BetFilled {
		upd.FilledShares = out.filledShares
		upd.FillPrice = out.fillPrice
		upd.ActualStake = fixedpoint.CostOf(out.filledShares, out.fillPrice)
		// Stake utilization: a fill below the limit price spends less than
		// requested even when every share fills.
		upd.FillPercentage = fixedpoint.Ratio(upd.ActualStake, bet.RequestedStake).
			Decimal().Round(impact.ImpactScale)
		upd.PriceImpact = impact.PriceImpact(out.fillPrice, bet.TargetPrice)
	}

	if err := e.store.UpdateBetExecution(ctx, &upd); err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.DuplicateTriggers.Inc()
			return nil
		}
		return fmt.Errorf("record leg result %s: %w", bet.ID, err)
	}

	metrics.LegsExecuted.WithLabelValues(outcomeLabel(out.status)).Inc()
	metrics.LegExecutionLatency.Observe(e.now().Sub(start).Seconds())

	if out.status != model.BetFilled {
		e.failChain(ctx, chain.ID, upd.Reason)
	} else {
		e.recordFill(ctx, chain, &upd)
	}

	e.logger.Info("leg executed",
		"chain_id", chain.ID,
		"sequence", bet.Sequence,
		"status", out.status,
		"filled_shares", int64(upd.FilledShares),
		"fill_price", int64(upd.FillPrice),
		"reason", out.reason,
	)
	e.broadcastLeg(chain.ID, &upd)
	return nil
}

// recordFill propagates a fill into the chain: realized stake, compounded
// impact, leg pointer, and the next leg's stake (the shares just bought,
// which redeem at $1 each if this leg wins).
func (e *Executor) recordFill(ctx context.Context, chain *model.UserChain, bet *model.Bet) {
	actual := chain.ActualStake
	if bet.Sequence == 1 {
		actual = bet.ActualStake
	}

	one := decimal.NewFromInt(1)
	compounded := one.Add(chain.CumulativeImpact).
		Mul(one.Add(bet.PriceImpact)).
		Sub(one).
		Round(impact.ImpactScale)

	if err := e.store.UpdateUserChainProgress(ctx, chain.ID, actual, compounded, bet.Sequence); err != nil {
		e.logger.Error("chain progress update failed", "chain_id", chain.ID, "error", err)
	}

	next, err := e.store.GetBetBySequence(ctx, chain.ID, bet.Sequence+1)
	if errors.Is(err, store.ErrNotFound) {
		return // final leg; the chain resolves at settlement
	}
	if err != nil {
		e.logger.Error("next leg lookup failed", "chain_id", chain.ID, "error", err)
		return
	}
	if err := e.store.UpdateBetStake(ctx, next.ID, bet.FilledShares); err != nil {
		e.logger.Error("next leg stake update failed", "bet_id", next.ID, "error", err)
	}
}

// Settle applies a resolution outcome to a FILLED leg and returns the
// sequence of the next leg to execute, or 0 when the chain is finished.
// Outcomes: "won", "lost", "voided". Duplicate settlements are no-ops.
func (e *Executor) Settle(ctx context.Context, chainID string, sequence int, outcome string) (int, error) {
	chain, err := e.store.GetUserChain(ctx, chainID)
	if err != nil {
		return 0, fmt.Errorf("load chain %s: %w", chainID, err)
	}
	if chain.Status != model.ChainActive {
		return 0, ErrChainNotActive
	}

	bet, err := e.store.GetBetBySequence(ctx, chainID, sequence)
	if err != nil {
		return 0, fmt.Errorf("load bet %s/%d: %w", chainID, sequence, err)
	}

	var to model.BetStatus
	switch outcome {
	case "won", "lost":
		to = model.BetSettled
	case "voided":
		to = model.BetVoided
	default:
		return 0, fmt.Errorf("chain: unknown settlement outcome %q", outcome)
	}

	err = e.store.ConditionalUpdateBetStatus(ctx, bet.ID, to, outcome, model.BetFilled)
	if errors.Is(err, store.ErrConflict) {
		metrics.DuplicateTriggers.Inc()
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("settle bet %s: %w", bet.ID, err)
	}

	switch outcome {
	case "lost":
		e.failChainTo(ctx, chainID, model.ChainLost, ReasonLegLost)
		return 0, nil
	case "voided":
		e.failChainTo(ctx, chainID, model.ChainCancelled, ReasonVoided)
		return 0, nil
	}

	// Won: either advance the cascade or close out the chain.
	def, err := e.store.GetChainDefinition(ctx, chain.DefinitionID)
	if err != nil {
		return 0, fmt.Errorf("load definition %s: %w", chain.DefinitionID, err)
	}
	if sequence >= len(def.Legs) {
		if err := e.store.ConditionalUpdateChainStatus(ctx, chainID, model.ChainWon, "",
			model.ChainActive); err != nil && !errors.Is(err, store.ErrConflict) {
			return 0, fmt.Errorf("close chain %s: %w", chainID, err)
		}
		e.logger.Info("chain won", "chain_id", chainID, "legs", len(def.Legs))
		e.broadcastChain(chainID, model.ChainWon, "")
		return 0, nil
	}

	// Promote the next leg so the dispatcher can execute it.
	next, err := e.store.GetBetBySequence(ctx, chainID, sequence+1)
	if err != nil {
		return 0, fmt.Errorf("load next bet %s/%d: %w", chainID, sequence+1, err)
	}
	err = e.store.ConditionalUpdateBetStatus(ctx, next.ID, model.BetReady, "", model.BetQueued)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return 0, fmt.Errorf("promote next leg %s: %w", next.ID, err)
	}
	return sequence + 1, nil
}

// releaseClaim returns a claimed bet to READY after a pre-placement fault.
func (e *Executor) releaseClaim(ctx context.Context, betID string) {
	err := e.store.ConditionalUpdateBetStatus(ctx, betID, model.BetReady, "", model.BetExecuting)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		e.logger.Error("claim release failed", "bet_id", betID, "error", err)
	}
}

func (e *Executor) failChain(ctx context.Context, chainID, reason string) {
	e.failChainTo(ctx, chainID, model.ChainFailed, reason)
}

func (e *Executor) failChainTo(ctx context.Context, chainID string, to model.ChainStatus, reason string) {
	err := e.store.ConditionalUpdateChainStatus(ctx, chainID, to, reason, model.ChainActive)
	if errors.Is(err, store.ErrConflict) {
		return
	}
	if err != nil {
		e.logger.Error("chain status update failed",
			"chain_id", chainID, "to", to, "error", err)
		return
	}
	if to == model.ChainFailed {
		metrics.ChainsFailed.WithLabelValues(reason).Inc()
	}
	e.broadcastChain(chainID, to, reason)
}

func (e *Executor) broadcastLeg(chainID string, bet *model.Bet) {
	if e.hub == nil {
		return
	}
	e.hub.Broadcast(WSMessage{
		Type:           "leg_executed",
		ChainID:        chainID,
		Sequence:       bet.Sequence,
		Status:         string(bet.Status),
		FillPrice:      bet.FillPrice.Decimal().String(),
		FilledShares:   bet.FilledShares.Decimal().String(),
		FillPercentage: bet.FillPercentage.String(),
		Reason:         bet.Reason,
	})
}

func (e *Executor) broadcastChain(chainID string, status model.ChainStatus, reason string) {
	if e.hub == nil {
		return
	}
	e.hub.Broadcast(WSMessage{
		Type:    "chain_resolved",
		ChainID: chainID,
		Status:  string(status),
		Reason:  reason,
	})
}

func outcomeLabel(s model.BetStatus) string {
	switch s {
	case model.BetFilled:
		return "filled"
	case model.BetUnfilled:
		return "unfilled"
	case model.BetMarketClosingSoon:
		return "market_closing_soon"
	case model.BetMarketClosed:
		return "market_closed"
	}
	return "other"
}

// betID is the deterministic ID for a leg: bets are created once per chain
// join, so the (chain, sequence) pair is already unique.
func betID(chainID string, sequence int) string {
	return fmt.Sprintf("%s-%d", chainID, sequence)
}

package estimate_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stakeflow/chain-engine/internal/estimate"
	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/model"
	"github.com/stakeflow/chain-engine/internal/store"
)

func marketID(n int) string {
	return fmt.Sprintf("0x%062x%02x", 0, n)
}

type fakeBooks struct {
	depth map[string]*model.OrderbookSnapshot
	err   error
	calls int
}

func (f *fakeBooks) GetDepth(_ context.Context, tokenID string) (*model.OrderbookSnapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	book, ok := f.depth[tokenID]
	if !ok {
		return nil, errors.New("no depth")
	}
	return book, nil
}

func seedMarket(t *testing.T, s store.Store, id, tokenID string, price fixedpoint.Price, liquidity fixedpoint.Micros) {
	t.Helper()
	err := s.UpsertMarketSnapshot(context.Background(), &model.MarketSnapshot{
		MarketID:     id,
		TokenID:      tokenID,
		CurrentPrice: price,
		Liquidity:    liquidity,
		Open:         true,
		EndDate:      time.Now().Add(72 * time.Hour).UTC(),
		SyncedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEstimateChain_SmallStakeSkipsBook(t *testing.T) {
	st := store.NewMemoryStore()
	// $10 stake against $25k liquidity: 0.04% ratio, well below 5%.
	seedMarket(t, st, marketID(1), "101", 400_000, 25_000_000_000)

	books := &fakeBooks{}
	svc := estimate.NewService(st, books, 0, discard())

	legs := []model.Leg{{MarketID: marketID(1), TokenID: "101", Side: model.SideBuy}}
	est, err := svc.EstimateChain(context.Background(), legs, 10_000_000, 50_000)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	if books.calls != 0 {
		t.Errorf("small stake must not fetch the book, got %d fetches", books.calls)
	}
	leg := est.Legs[0]
	if leg.EstimatedFillPrice != 400_000 {
		t.Errorf("fill price: got %d", leg.EstimatedFillPrice)
	}
	// 0.40 plus 5% slippage.
	if leg.MaxPrice != 420_000 {
		t.Errorf("max price: got %d", leg.MaxPrice)
	}
	// $10 / 0.40 = 25 shares.
	if leg.SharesAcquired != 25_000_000 {
		t.Errorf("shares: got %d", leg.SharesAcquired)
	}
	if !leg.PriceImpact.IsZero() {
		t.Errorf("impact should be zero, got %s", leg.PriceImpact)
	}
	if est.ProjectedPayout != 25_000_000 {
		t.Errorf("payout: got %d", est.ProjectedPayout)
	}
}

func TestEstimateChain_LargeStakeWalksBook(t *testing.T) {
	st := store.NewMemoryStore()
	// $100 stake against $500 liquidity: 20%, above the 5% threshold.
	seedMarket(t, st, marketID(1), "101", 400_000, 500_000_000)

	books := &fakeBooks{depth: map[string]*model.OrderbookSnapshot{
		"101": {
			TokenID: "101",
			Asks: []model.PriceLevel{
				{Price: 400_000, Size: 100_000_000},  // 100 shares at 0.40
				{Price: 420_000, Size: 1000_000_000}, // deep level at 0.42
			},
		},
	}}
	svc := estimate.NewService(st, books, 0, discard())

	legs := []model.Leg{{MarketID: marketID(1), TokenID: "101", Side: model.SideBuy}}
	est, err := svc.EstimateChain(context.Background(), legs, 100_000_000, 0)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	if books.calls != 1 {
		t.Fatalf("expected one book fetch, got %d", books.calls)
	}
	leg := est.Legs[0]
	if leg.EstimatedFillPrice <= 400_000 {
		t.Errorf("walking past level one must raise the price, got %d", leg.EstimatedFillPrice)
	}
	if leg.PriceImpact.IsZero() || leg.PriceImpact.IsNegative() {
		t.Errorf("expected positive impact, got %s", leg.PriceImpact)
	}
	if leg.InsufficientLiquidity {
		t.Error("book is deep enough; should not flag insufficient liquidity")
	}
}

func TestEstimateChain_Cascade(t *testing.T) {
	st := store.NewMemoryStore()
	seedMarket(t, st, marketID(1), "101", 500_000, 25_000_000_000)
	seedMarket(t, st, marketID(2), "102", 250_000, 25_000_000_000)

	svc := estimate.NewService(st, &fakeBooks{}, 0, discard())

	legs := []model.Leg{
		{MarketID: marketID(1), TokenID: "101", Side: model.SideBuy},
		{MarketID: marketID(2), TokenID: "102", Side: model.SideBuy},
	}
	// $100 at 0.50 → 200 shares → $200 at 0.25 → 800 shares.
	est, err := svc.EstimateChain(context.Background(), legs, 100_000_000, 0)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	if est.Legs[1].Stake != 200_000_000 {
		t.Errorf("leg 2 stake should be leg 1 payout, got %d", est.Legs[1].Stake)
	}
	if est.ProjectedPayout != 800_000_000 {
		t.Errorf("payout: got %d", est.ProjectedPayout)
	}
}

func TestEstimateChain_MissingSnapshotPassesThrough(t *testing.T) {
	st := store.NewMemoryStore()
	// Leg 1 has data; leg 2 does not; leg 3 has data.
	seedMarket(t, st, marketID(1), "101", 500_000, 25_000_000_000)
	seedMarket(t, st, marketID(3), "103", 500_000, 25_000_000_000)

	svc := estimate.NewService(st, &fakeBooks{}, 0, discard())

	legs := []model.Leg{
		{MarketID: marketID(1), TokenID: "101", Side: model.SideBuy},
		{MarketID: marketID(2), TokenID: "102", Side: model.SideBuy},
		{MarketID: marketID(3), TokenID: "103", Side: model.SideBuy},
	}
	est, err := svc.EstimateChain(context.Background(), legs, 100_000_000, 0)
	if err != nil {
		t.Fatalf("a missing snapshot must degrade, not fail: %v", err)
	}

	leg2 := est.Legs[1]
	if !leg2.Fallback || leg2.Warning != estimate.WarnNoMarketData {
		t.Errorf("leg 2 should be a flagged fallback, got %+v", leg2)
	}
	// Leg 2 passes its stake through: leg 3 spends leg 1's payout.
	if est.Legs[2].Stake != est.Legs[0].SharesAcquired {
		t.Errorf("leg 3 stake: got %d, want %d", est.Legs[2].Stake, est.Legs[0].SharesAcquired)
	}
	if len(est.Warnings) != 1 {
		t.Errorf("warnings: got %v", est.Warnings)
	}
}

func TestEstimateChain_BookFetchFailureFallsBack(t *testing.T) {
	st := store.NewMemoryStore()
	// Large stake forces a book fetch, which fails.
	seedMarket(t, st, marketID(1), "101", 400_000, 500_000_000)

	books := &fakeBooks{err: errors.New("venue down")}
	svc := estimate.NewService(st, books, 0, discard())

	legs := []model.Leg{{MarketID: marketID(1), TokenID: "101", Side: model.SideBuy}}
	est, err := svc.EstimateChain(context.Background(), legs, 100_000_000, 0)
	if err != nil {
		t.Fatalf("book failure must degrade, not fail: %v", err)
	}

	leg := est.Legs[0]
	if !leg.Fallback || leg.Warning != estimate.WarnBookFetch {
		t.Errorf("expected book-fetch fallback, got %+v", leg)
	}
	if leg.EstimatedFillPrice != 400_000 {
		t.Errorf("fallback must use the displayed price, got %d", leg.EstimatedFillPrice)
	}
	if leg.SharesAcquired != 250_000_000 {
		t.Errorf("fallback shares at displayed price: got %d", leg.SharesAcquired)
	}
}

func TestEstimateChain_InsufficientLiquidityPropagates(t *testing.T) {
	st := store.NewMemoryStore()
	seedMarket(t, st, marketID(1), "101", 400_000, 100_000_000)

	books := &fakeBooks{depth: map[string]*model.OrderbookSnapshot{
		"101": {
			TokenID: "101",
			// Only 50 shares on the book: $20 of a $100 stake.
			Asks: []model.PriceLevel{{Price: 400_000, Size: 50_000_000}},
		},
	}}
	svc := estimate.NewService(st, books, 0, discard())

	legs := []model.Leg{{MarketID: marketID(1), TokenID: "101", Side: model.SideBuy}}
	est, err := svc.EstimateChain(context.Background(), legs, 100_000_000, 0)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	if !est.InsufficientLiquidity {
		t.Error("chain estimate must surface insufficient liquidity")
	}
	if est.Legs[0].FillableAmount != 20_000_000 {
		t.Errorf("fillable: got %d", est.Legs[0].FillableAmount)
	}
}

func TestEstimateChain_TotalImpactCompounds(t *testing.T) {
	st := store.NewMemoryStore()
	seedMarket(t, st, marketID(1), "101", 400_000, 500_000_000)
	seedMarket(t, st, marketID(2), "102", 400_000, 500_000_000)

	books := &fakeBooks{depth: map[string]*model.OrderbookSnapshot{
		// Thin top level so both legs walk into 0.42.
		"101": {TokenID: "101", Asks: []model.PriceLevel{
			{Price: 400_000, Size: 50_000_000},
			{Price: 420_000, Size: 10_000_000_000},
		}},
		"102": {TokenID: "102", Asks: []model.PriceLevel{
			{Price: 400_000, Size: 50_000_000},
			{Price: 420_000, Size: 10_000_000_000},
		}},
	}}
	svc := estimate.NewService(st, books, 0, discard())

	legs := []model.Leg{
		{MarketID: marketID(1), TokenID: "101", Side: model.SideBuy},
		{MarketID: marketID(2), TokenID: "102", Side: model.SideBuy},
	}
	est, err := svc.EstimateChain(context.Background(), legs, 100_000_000, 0)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	if est.TotalImpact.LessThanOrEqual(est.Legs[0].PriceImpact) {
		t.Errorf("compounded impact %s should exceed single-leg impact %s",
			est.TotalImpact, est.Legs[0].PriceImpact)
	}
}

func TestEstimateChain_InvalidStake(t *testing.T) {
	svc := estimate.NewService(store.NewMemoryStore(), &fakeBooks{}, 0, discard())
	if _, err := svc.EstimateChain(context.Background(), nil, 0, 0); err == nil {
		t.Fatal("expected error for zero stake")
	}
}

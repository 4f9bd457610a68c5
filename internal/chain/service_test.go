package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stakeflow/chain-engine/internal/estimate"
	"github.com/stakeflow/chain-engine/internal/model"
	"github.com/stakeflow/chain-engine/internal/risk"
	"github.com/stakeflow/chain-engine/internal/store"
	"github.com/stakeflow/chain-engine/internal/venue"
)

type serviceFixture struct {
	store   *store.MemoryStore
	markets *fakeMarkets
	orders  *fakeOrders
	svc     *Service
	router  *chi.Mux
}

type fakeBooks struct{}

func (fakeBooks) GetDepth(context.Context, string) (*model.OrderbookSnapshot, error) {
	return &model.OrderbookSnapshot{}, nil
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	now := time.Now().UTC()
	markets := &fakeMarkets{snaps: map[string]*model.MarketSnapshot{}}
	for n := 1; n <= 3; n++ {
		snap := &model.MarketSnapshot{
			MarketID:     mkMarketID(n),
			TokenID:      fmt.Sprintf("10%d", n),
			CurrentPrice: 400_000,
			Liquidity:    25_000_000_000,
			Open:         true,
			EndDate:      now.Add(72 * time.Hour),
			SyncedAt:     now,
		}
		markets.snaps[snap.MarketID] = snap
		if err := st.UpsertMarketSnapshot(context.Background(), snap); err != nil {
			t.Fatal(err)
		}
	}

	orders := &fakeOrders{result: &venue.FAKResult{FilledShares: 100_000_000, FillPrice: 400_000}}
	exec := NewExecutor(st, markets, orders, nil, logger, 0)
	// The dispatcher is never started: enqueued triggers stay put, so
	// handler tests observe exactly the state the handler wrote.
	disp := NewDispatcher(exec, logger, DispatcherConfig{})
	est := estimate.NewService(st, fakeBooks{}, 0, logger)
	limiter := risk.NewLimiter(6, 1_000_000, 1_000_000_000, 5, 100_000)

	svc := NewService(st, est, limiter, disp, exec, logger)

	r := chi.NewRouter()
	r.Post("/api/v1/estimate", svc.Estimate)
	r.Post("/api/v1/chains", svc.CreateChain)
	r.Get("/api/v1/chains", svc.ListChains)
	r.Get("/api/v1/chains/{chainID}", svc.GetChain)
	r.Post("/api/v1/chains/{chainID}/legs/{sequence}/execute", svc.ExecuteLeg)
	r.Post("/api/v1/chains/{chainID}/legs/{sequence}/settle", svc.SettleLeg)

	return &serviceFixture{store: st, markets: markets, orders: orders, svc: svc, router: r}
}

func (f *serviceFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func twoLegs() []model.Leg {
	return []model.Leg{
		{MarketID: mkMarketID(1), TokenID: "101", Side: model.SideBuy},
		{MarketID: mkMarketID(2), TokenID: "102", Side: model.SideBuy},
	}
}

func TestEstimateEndpoint(t *testing.T) {
	f := newServiceFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/estimate", EstimateRequest{
		Stake: jsonDecimal(t, "100"),
		Legs:  twoLegs(),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var est estimate.ChainEstimate
	if err := json.Unmarshal(rec.Body.Bytes(), &est); err != nil {
		t.Fatal(err)
	}
	if len(est.Legs) != 2 {
		t.Fatalf("expected 2 leg estimates, got %d", len(est.Legs))
	}
	// $100 at 0.40 → 250 shares → $250 at 0.40 → 625 shares.
	if est.ProjectedPayout != 625_000_000 {
		t.Errorf("payout: got %d", est.ProjectedPayout)
	}
}

func TestEstimateEndpoint_InvalidLegs(t *testing.T) {
	f := newServiceFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/estimate", EstimateRequest{
		Stake: jsonDecimal(t, "100"),
		Legs:  []model.Leg{{MarketID: "bogus", TokenID: "1", Side: model.SideBuy}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateChain(t *testing.T) {
	f := newServiceFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/chains", CreateChainRequest{
		WalletID:    "wallet-1",
		Legs:        twoLegs(),
		Stake:       jsonDecimal(t, "100"),
		MaxSlippage: jsonDecimal(t, "0.05"),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var resp ChainResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Chain.Status != model.ChainActive {
		t.Errorf("chain status: got %s", resp.Chain.Status)
	}
	if len(resp.Bets) != 2 {
		t.Fatalf("expected 2 bets, got %d", len(resp.Bets))
	}

	leg1 := resp.Bets[0]
	if leg1.Status != model.BetReady {
		t.Errorf("leg 1: got %s", leg1.Status)
	}
	if leg1.RequestedStake != 100_000_000 {
		t.Errorf("leg 1 stake: got %d", leg1.RequestedStake)
	}
	if leg1.TargetPrice != 400_000 {
		t.Errorf("leg 1 target: got %d", leg1.TargetPrice)
	}
	// 0.40 × 1.05 = 0.42
	if leg1.MaxPrice != 420_000 {
		t.Errorf("leg 1 max price: got %d", leg1.MaxPrice)
	}

	leg2 := resp.Bets[1]
	if leg2.Status != model.BetQueued || leg2.RequestedStake != 0 {
		t.Errorf("leg 2: got %s stake %d", leg2.Status, leg2.RequestedStake)
	}

	if len(resp.Estimates) != 2 {
		t.Fatalf("expected 2 leg estimates, got %d", len(resp.Estimates))
	}
	if resp.Estimates[0].EstimatedFillPrice != 400_000 {
		t.Errorf("estimated fill: got %d", resp.Estimates[0].EstimatedFillPrice)
	}
}

func TestCreateChain_ReusesDefinition(t *testing.T) {
	f := newServiceFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/chains", CreateChainRequest{
		WalletID: "wallet-1", Legs: twoLegs(),
		Stake: jsonDecimal(t, "100"), MaxSlippage: jsonDecimal(t, "0.05"),
	})
	var first ChainResponse
	json.Unmarshal(rec.Body.Bytes(), &first)

	rec = f.do(t, http.MethodPost, "/api/v1/chains", CreateChainRequest{
		WalletID: "wallet-2", DefinitionID: first.Chain.DefinitionID,
		Stake: jsonDecimal(t, "50"), MaxSlippage: jsonDecimal(t, "0.02"),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var second ChainResponse
	json.Unmarshal(rec.Body.Bytes(), &second)
	if second.Chain.DefinitionID != first.Chain.DefinitionID {
		t.Error("second chain must share the definition")
	}
	if second.Chain.ID == first.Chain.ID {
		t.Error("chains must be distinct")
	}
}

func TestCreateChain_MissingMarketData(t *testing.T) {
	f := newServiceFixture(t)

	legs := []model.Leg{
		{MarketID: mkMarketID(1), TokenID: "101", Side: model.SideBuy},
		{MarketID: mkMarketID(9), TokenID: "109", Side: model.SideBuy}, // never seeded
	}
	rec := f.do(t, http.MethodPost, "/api/v1/chains", CreateChainRequest{
		WalletID: "wallet-1", Legs: legs,
		Stake: jsonDecimal(t, "100"), MaxSlippage: jsonDecimal(t, "0.05"),
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateChain_OpenChainLimit(t *testing.T) {
	f := newServiceFixture(t)

	for i := 0; i < 5; i++ {
		rec := f.do(t, http.MethodPost, "/api/v1/chains", CreateChainRequest{
			WalletID: "wallet-1", Legs: twoLegs(),
			Stake: jsonDecimal(t, "100"), MaxSlippage: jsonDecimal(t, "0.05"),
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("chain %d: status %d", i, rec.Code)
		}
	}

	rec := f.do(t, http.MethodPost, "/api/v1/chains", CreateChainRequest{
		WalletID: "wallet-1", Legs: twoLegs(),
		Stake: jsonDecimal(t, "100"), MaxSlippage: jsonDecimal(t, "0.05"),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("sixth chain: status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetChain(t *testing.T) {
	f := newServiceFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/chains", CreateChainRequest{
		WalletID: "wallet-1", Legs: twoLegs(),
		Stake: jsonDecimal(t, "100"), MaxSlippage: jsonDecimal(t, "0.05"),
	})
	var created ChainResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = f.do(t, http.MethodGet, "/api/v1/chains/"+created.Chain.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	var got ChainResponse
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Chain.ID != created.Chain.ID || len(got.Bets) != 2 {
		t.Errorf("unexpected response: %+v", got)
	}
	if got.Bets[0].Sequence != 1 || got.Bets[1].Sequence != 2 {
		t.Error("bets must be ordered by sequence")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/chains/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing chain: status %d", rec.Code)
	}
}

func TestListChains(t *testing.T) {
	f := newServiceFixture(t)

	f.do(t, http.MethodPost, "/api/v1/chains", CreateChainRequest{
		WalletID: "wallet-1", Legs: twoLegs(),
		Stake: jsonDecimal(t, "100"), MaxSlippage: jsonDecimal(t, "0.05"),
	})

	rec := f.do(t, http.MethodGet, "/api/v1/chains?wallet_id=wallet-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var chains []model.UserChain
	json.Unmarshal(rec.Body.Bytes(), &chains)
	if len(chains) != 1 {
		t.Errorf("expected 1 chain, got %d", len(chains))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/chains?wallet_id=nobody", nil)
	var empty []model.UserChain
	json.Unmarshal(rec.Body.Bytes(), &empty)
	if rec.Code != http.StatusOK || len(empty) != 0 {
		t.Errorf("expected empty list, got %d / %d", rec.Code, len(empty))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/chains", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing wallet_id: status %d", rec.Code)
	}
}

func TestExecuteLegEndpoint(t *testing.T) {
	f := newServiceFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/chains", CreateChainRequest{
		WalletID: "wallet-1", Legs: twoLegs(),
		Stake: jsonDecimal(t, "100"), MaxSlippage: jsonDecimal(t, "0.05"),
	})
	var created ChainResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = f.do(t, http.MethodPost,
		"/api/v1/chains/"+created.Chain.ID+"/legs/1/execute", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost,
		"/api/v1/chains/"+created.Chain.ID+"/legs/9/execute", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown leg: status %d", rec.Code)
	}
}

func TestSettleLegEndpoint(t *testing.T) {
	f := newServiceFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/chains", CreateChainRequest{
		WalletID: "wallet-1", Legs: twoLegs(),
		Stake: jsonDecimal(t, "100"), MaxSlippage: jsonDecimal(t, "0.05"),
	})
	var created ChainResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	// Fill leg 1 synchronously so there is something to settle.
	if err := f.svc.executor.ExecuteLeg(context.Background(), created.Chain.ID, 1); err != nil {
		t.Fatal(err)
	}

	rec = f.do(t, http.MethodPost,
		"/api/v1/chains/"+created.Chain.ID+"/legs/1/settle",
		SettleRequest{Outcome: "won"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["next_leg"] != float64(2) {
		t.Errorf("next_leg: got %v", resp["next_leg"])
	}

	rec = f.do(t, http.MethodPost,
		"/api/v1/chains/"+created.Chain.ID+"/legs/1/settle",
		SettleRequest{Outcome: "banana"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown outcome: status %d", rec.Code)
	}
}

func jsonDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

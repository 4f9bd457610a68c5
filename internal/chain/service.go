package chain

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stakeflow/chain-engine/internal/estimate"
	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/metrics"
	"github.com/stakeflow/chain-engine/internal/model"
	"github.com/stakeflow/chain-engine/internal/risk"
	"github.com/stakeflow/chain-engine/internal/store"
)

// Service provides the HTTP surface: estimates, chain creation, queries,
// re-drives, and settlement intake.
type Service struct {
	store      store.Store
	estimator  *estimate.Service
	limiter    *risk.Limiter
	dispatcher *Dispatcher
	executor   *Executor
	logger     *slog.Logger
}

// NewService creates the HTTP service.
func NewService(st store.Store, est *estimate.Service, limiter *risk.Limiter, disp *Dispatcher, exec *Executor, logger *slog.Logger) *Service {
	return &Service{
		store:      st,
		estimator:  est,
		limiter:    limiter,
		dispatcher: disp,
		executor:   exec,
		logger:     logger,
	}
}

// --- Request/Response types ---

// EstimateRequest is the JSON body for POST /api/v1/estimate. Stake is in
// dollars; MaxSlippage is a fraction and only shapes the limit prices shown.
type EstimateRequest struct {
	Stake       decimal.Decimal `json:"stake"`
	MaxSlippage decimal.Decimal `json:"max_slippage,omitempty"`
	Legs        []model.Leg     `json:"legs"`
}

// CreateChainRequest is the JSON body for POST /api/v1/chains. Either Legs
// or DefinitionID must be set; MaxSlippage is a fraction (0.05 = 5%).
type CreateChainRequest struct {
	WalletID     string          `json:"wallet_id"`
	DefinitionID string          `json:"definition_id,omitempty"`
	Legs         []model.Leg     `json:"legs,omitempty"`
	Stake        decimal.Decimal `json:"stake"`
	MaxSlippage  decimal.Decimal `json:"max_slippage"`
}

// ChainResponse is a user chain with its legs. Estimates are attached on
// creation only, so the caller sees projected fill prices and impact next
// to each leg's target and limit price.
type ChainResponse struct {
	Chain     model.UserChain        `json:"chain"`
	Bets      []model.Bet            `json:"bets"`
	Estimates []estimate.LegEstimate `json:"estimates,omitempty"`
}

// SettleRequest is the JSON body for the settlement intake endpoint.
type SettleRequest struct {
	Outcome string `json:"outcome"` // won | lost | voided
}

// --- HTTP Handlers ---

// Estimate handles POST /api/v1/estimate.
func (s *Service) Estimate(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.limiter.CheckDefinition(req.Legs); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	stake := fixedpoint.MicrosFromDecimal(req.Stake)
	if stake <= 0 {
		writeError(w, "stake must be positive", http.StatusBadRequest)
		return
	}

	est, err := s.estimator.EstimateChain(r.Context(), req.Legs, stake,
		fixedpoint.MicrosFromDecimal(req.MaxSlippage))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, est)
}

// CreateChain handles POST /api/v1/chains. Creates (or reuses) the chain
// definition, the user's chain, one bet per leg, and queues leg 1.
func (s *Service) CreateChain(w http.ResponseWriter, r *http.Request) {
	var req CreateChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WalletID == "" {
		writeError(w, "wallet_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	stake := fixedpoint.MicrosFromDecimal(req.Stake)
	slippage := fixedpoint.MicrosFromDecimal(req.MaxSlippage)

	// Resolve the definition.
	var def *model.ChainDefinition
	switch {
	case req.DefinitionID != "":
		var err error
		def, err = s.store.GetChainDefinition(ctx, req.DefinitionID)
		if err != nil {
			writeError(w, "chain definition not found", http.StatusNotFound)
			return
		}
	case len(req.Legs) > 0:
		if err := s.limiter.CheckDefinition(req.Legs); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		def = &model.ChainDefinition{
			ID:        uuid.New().String(),
			Legs:      req.Legs,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.CreateChainDefinition(ctx, def); err != nil {
			writeError(w, "failed to create chain definition", http.StatusInternalServerError)
			return
		}
	default:
		writeError(w, "either legs or definition_id is required", http.StatusBadRequest)
		return
	}

	open, err := s.store.CountOpenChainsByWallet(ctx, req.WalletID)
	if err != nil {
		writeError(w, "failed to check open chains", http.StatusInternalServerError)
		return
	}
	if err := s.limiter.CheckJoin(stake, slippage, open); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	// Every leg needs a displayed price to anchor its limit; refuse the
	// join rather than execute blind.
	targets := make([]fixedpoint.Price, len(def.Legs))
	for i, leg := range def.Legs {
		snap, err := s.store.GetMarketSnapshot(ctx, leg.MarketID)
		if err != nil {
			writeError(w, "no market data for "+leg.MarketID, http.StatusUnprocessableEntity)
			return
		}
		if !snap.Open {
			writeError(w, "market is closed: "+leg.MarketID, http.StatusConflict)
			return
		}
		targets[i] = snap.CurrentPrice
	}

	now := time.Now().UTC()
	chain := &model.UserChain{
		ID:               uuid.New().String(),
		DefinitionID:     def.ID,
		WalletID:         req.WalletID,
		RequestedStake:   stake,
		MaxSlippage:      slippage,
		CumulativeImpact: decimal.Zero,
		CurrentLeg:       1,
		Status:           model.ChainActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateUserChain(ctx, chain); err != nil {
		writeError(w, "failed to create chain", http.StatusInternalServerError)
		return
	}

	bets := make([]model.Bet, 0, len(def.Legs))
	for i, leg := range def.Legs {
		status := model.BetQueued
		requested := fixedpoint.Micros(0)
		if i == 0 {
			status = model.BetReady
			requested = stake
		}
		bet := model.Bet{
			ID:             betID(chain.ID, i+1),
			ChainID:        chain.ID,
			WalletID:       req.WalletID,
			Sequence:       i + 1,
			MarketID:       leg.MarketID,
			TokenID:        leg.TokenID,
			Side:           leg.Side,
			TargetPrice:    targets[i],
			MaxPrice:       fixedpoint.ApplySlippage(targets[i], slippage),
			RequestedStake: requested,
			FillPercentage: decimal.Zero,
			PriceImpact:    decimal.Zero,
			Status:         status,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.store.CreateBet(ctx, &bet); err != nil {
			writeError(w, "failed to create bets", http.StatusInternalServerError)
			return
		}
		bets = append(bets, bet)
	}

	metrics.ChainsCreated.Inc()
	s.logger.Info("chain created",
		"chain_id", chain.ID,
		"wallet", req.WalletID,
		"legs", len(def.Legs),
		"stake", req.Stake.String(),
	)

	if !s.dispatcher.Enqueue(Trigger{ChainID: chain.ID, Sequence: 1}) {
		// The chain exists; leg 1 just needs a re-drive later.
		s.logger.Warn("leg 1 trigger dropped, queue full", "chain_id", chain.ID)
	}

	resp := ChainResponse{Chain: *chain, Bets: bets}
	// Best effort: a failed estimate never blocks a created chain.
	if est, err := s.estimator.EstimateChain(ctx, def.Legs, stake, slippage); err == nil {
		resp.Estimates = est.Legs
	}

	writeJSON(w, http.StatusCreated, resp)
}

// GetChain handles GET /api/v1/chains/{chainID}.
func (s *Service) GetChain(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chainID")

	chain, err := s.store.GetUserChain(r.Context(), chainID)
	if err != nil {
		writeError(w, "chain not found", http.StatusNotFound)
		return
	}
	bets, err := s.store.ListBetsByChain(r.Context(), chainID)
	if err != nil {
		writeError(w, "failed to load legs", http.StatusInternalServerError)
		return
	}
	sortBets(bets)

	writeJSON(w, http.StatusOK, ChainResponse{Chain: *chain, Bets: bets})
}

// ListChains handles GET /api/v1/chains?wallet_id=...
func (s *Service) ListChains(w http.ResponseWriter, r *http.Request) {
	walletID := r.URL.Query().Get("wallet_id")
	if walletID == "" {
		writeError(w, "wallet_id query parameter is required", http.StatusBadRequest)
		return
	}

	chains, err := s.store.ListUserChainsByWallet(r.Context(), walletID)
	if err != nil {
		writeError(w, "failed to list chains", http.StatusInternalServerError)
		return
	}
	if chains == nil {
		chains = []model.UserChain{}
	}

	writeJSON(w, http.StatusOK, chains)
}

// ExecuteLeg handles POST /api/v1/chains/{chainID}/legs/{sequence}/execute.
// A manual re-drive: safe to call at any time, the conditional claim makes
// duplicates no-ops.
func (s *Service) ExecuteLeg(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chainID")
	sequence, err := strconv.Atoi(chi.URLParam(r, "sequence"))
	if err != nil || sequence < 1 {
		writeError(w, "invalid sequence", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetBetBySequence(r.Context(), chainID, sequence); err != nil {
		writeError(w, "leg not found", http.StatusNotFound)
		return
	}

	if !s.dispatcher.Enqueue(Trigger{ChainID: chainID, Sequence: sequence}) {
		writeError(w, "execution queue full", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// SettleLeg handles POST /api/v1/chains/{chainID}/legs/{sequence}/settle.
// Settlement of a winning leg is what releases the next leg's capital, so
// this endpoint is the cascade's heartbeat.
func (s *Service) SettleLeg(w http.ResponseWriter, r *http.Request) {
	chainID := chi.URLParam(r, "chainID")
	sequence, err := strconv.Atoi(chi.URLParam(r, "sequence"))
	if err != nil || sequence < 1 {
		writeError(w, "invalid sequence", http.StatusBadRequest)
		return
	}

	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	next, err := s.executor.Settle(r.Context(), chainID, sequence, req.Outcome)
	switch {
	case errors.Is(err, ErrChainNotActive):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "leg not found", http.StatusNotFound)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if next > 0 {
		if !s.dispatcher.Enqueue(Trigger{ChainID: chainID, Sequence: next}) {
			s.logger.Warn("next-leg trigger dropped, queue full",
				"chain_id", chainID, "sequence", next)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "settled",
		"next_leg": next,
	})
}

func sortBets(bets []model.Bet) {
	sort.Slice(bets, func(i, j int) bool { return bets[i].Sequence < bets[j].Sequence })
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

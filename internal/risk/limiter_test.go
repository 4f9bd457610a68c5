package risk

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/model"
)

func testLimiter() *Limiter {
	// 6 legs, $1 – $1000 stake, 5 open chains, 10% slippage ceiling.
	return NewLimiter(6, 1_000_000, 1_000_000_000, 5, 100_000)
}

func legWithSuffix(n int) model.Leg {
	return model.Leg{
		MarketID: fmt.Sprintf("0x%062x%02x", 0, n),
		TokenID:  fmt.Sprintf("%d", 100+n),
		Side:     model.SideBuy,
	}
}

func TestCheckDefinition_Valid(t *testing.T) {
	legs := []model.Leg{legWithSuffix(1), legWithSuffix(2), legWithSuffix(3)}
	if err := testLimiter().CheckDefinition(legs); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckDefinition_Empty(t *testing.T) {
	if err := testLimiter().CheckDefinition(nil); !errors.Is(err, ErrNoLegs) {
		t.Errorf("expected ErrNoLegs, got %v", err)
	}
}

func TestCheckDefinition_TooManyLegs(t *testing.T) {
	legs := make([]model.Leg, 7)
	for i := range legs {
		legs[i] = legWithSuffix(i)
	}
	if err := testLimiter().CheckDefinition(legs); !errors.Is(err, ErrTooManyLegs) {
		t.Errorf("expected ErrTooManyLegs, got %v", err)
	}
}

func TestCheckDefinition_DuplicateMarket(t *testing.T) {
	legs := []model.Leg{legWithSuffix(1), legWithSuffix(1)}
	if err := testLimiter().CheckDefinition(legs); !errors.Is(err, ErrDuplicateMarket) {
		t.Errorf("expected ErrDuplicateMarket, got %v", err)
	}
}

func TestCheckDefinition_InvalidLeg(t *testing.T) {
	legs := []model.Leg{{MarketID: "not-a-market", TokenID: "1", Side: model.SideBuy}}
	if err := testLimiter().CheckDefinition(legs); !errors.Is(err, model.ErrInvalidMarketID) {
		t.Errorf("expected ErrInvalidMarketID, got %v", err)
	}
}

func TestCheckJoin(t *testing.T) {
	l := testLimiter()

	cases := []struct {
		name       string
		stake      fixedpoint.Micros
		slippage   fixedpoint.Micros
		openChains int
		want       error
	}{
		{"within limits", 100_000_000, 50_000, 2, nil},
		{"stake too small", 500_000, 50_000, 0, ErrStakeTooSmall},
		{"stake too large", 2_000_000_000, 50_000, 0, ErrStakeLimitExceeded},
		{"at stake ceiling", 1_000_000_000, 50_000, 0, nil},
		{"negative slippage", 100_000_000, -1, 0, ErrSlippageOutOfRange},
		{"slippage above ceiling", 100_000_000, 150_000, 0, ErrSlippageOutOfRange},
		{"too many open chains", 100_000_000, 50_000, 5, ErrOpenChainLimitExceeded},
		{"one below chain cap", 100_000_000, 50_000, 4, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := l.CheckJoin(tc.stake, tc.slippage, tc.openChains)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

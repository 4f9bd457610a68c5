package chain

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stakeflow/chain-engine/internal/model"
	"github.com/stakeflow/chain-engine/internal/venue"
)

func waitForStatus(t *testing.T, f *fixture, sequence int, want model.BetStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.bet(t, sequence).Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("leg %d never reached %s (now %s)", sequence, want, f.bet(t, sequence).Status)
}

func TestDispatcher_ExecutesTrigger(t *testing.T) {
	f := newFixture(t)
	f.orders.result = &venue.FAKResult{FilledShares: 238_095_238, FillPrice: 410_000}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(f.exec, logger, DispatcherConfig{Workers: 2})
	d.Start(context.Background())
	defer d.Stop()

	if !d.Enqueue(Trigger{ChainID: f.chainID, Sequence: 1}) {
		t.Fatal("enqueue failed")
	}
	waitForStatus(t, f, 1, model.BetFilled)
}

func TestDispatcher_RetriesTransientFault(t *testing.T) {
	f := newFixture(t)
	f.markets.setErr(&venue.APIError{StatusCode: 503, Message: "unavailable"})
	f.orders.result = &venue.FAKResult{FilledShares: 238_095_238, FillPrice: 410_000}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(f.exec, logger, DispatcherConfig{
		Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond,
	})
	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue(Trigger{ChainID: f.chainID, Sequence: 1})

	// Let the first attempt fail, then heal the gateway.
	time.Sleep(20 * time.Millisecond)
	f.markets.setErr(nil)

	waitForStatus(t, f, 1, model.BetFilled)
	if f.markets.callCount() < 2 {
		t.Errorf("expected at least 2 market lookups, got %d", f.markets.callCount())
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// Never started: the single slot fills and stays full.
	d := NewDispatcher(f.exec, logger, DispatcherConfig{QueueSize: 1})

	if !d.Enqueue(Trigger{ChainID: f.chainID, Sequence: 1}) {
		t.Fatal("first enqueue should succeed")
	}
	if d.Enqueue(Trigger{ChainID: f.chainID, Sequence: 1}) {
		t.Fatal("second enqueue should report a full queue")
	}
}

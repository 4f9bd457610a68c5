package chain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stakeflow/chain-engine/internal/metrics"
	"github.com/stakeflow/chain-engine/internal/venue"
)

// Trigger asks for one leg of one chain to be executed.
type Trigger struct {
	ChainID  string
	Sequence int

	attempts int
}

// Dispatcher owns the trigger queue and the worker pool draining it.
// Triggers are at-least-once: duplicates are resolved by the executor's
// conditional claim, so enqueueing the same trigger twice is harmless.
type Dispatcher struct {
	exec        *Executor
	logger      *slog.Logger
	queue       chan Trigger
	workers     int
	maxAttempts int
	backoff     time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// DispatcherConfig tunes the worker pool.
type DispatcherConfig struct {
	Workers     int           // default 4
	QueueSize   int           // default 256
	MaxAttempts int           // per-trigger attempts on transient faults, default 3
	Backoff     time.Duration // delay before a retry attempt, default 500ms
}

// NewDispatcher creates a dispatcher around an executor.
func NewDispatcher(exec *Executor, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		exec:        exec,
		logger:      logger,
		queue:       make(chan Trigger, cfg.QueueSize),
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
	}
}

// Start launches the worker pool. Workers run until Stop is called or the
// parent context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info("dispatcher started", "workers", d.workers)
}

// Stop cancels the workers and waits for in-flight executions to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Enqueue submits a trigger. Returns false when the queue is full; the
// caller decides whether that is an error (HTTP 503) or a droppable event.
func (d *Dispatcher) Enqueue(t Trigger) bool {
	select {
	case d.queue <- t:
		metrics.TriggerQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		d.logger.Warn("trigger queue full",
			"chain_id", t.ChainID, "sequence", t.Sequence)
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.queue:
			metrics.TriggerQueueDepth.Set(float64(len(d.queue)))
			d.run(ctx, t)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, t Trigger) {
	err := d.exec.ExecuteLeg(ctx, t.ChainID, t.Sequence)
	if err == nil {
		return
	}

	t.attempts++
	if !venue.Retryable(err) || t.attempts >= d.maxAttempts {
		d.logger.Error("trigger abandoned",
			"chain_id", t.ChainID, "sequence", t.Sequence,
			"attempts", t.attempts, "error", err)
		return
	}

	d.logger.Warn("trigger retry scheduled",
		"chain_id", t.ChainID, "sequence", t.Sequence,
		"attempt", t.attempts, "error", err)

	// Delay off-worker so the pool keeps draining.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(d.backoff << (t.attempts - 1)):
			d.Enqueue(t)
		}
	}()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/stakeflow/chain-engine/internal/chain"
	"github.com/stakeflow/chain-engine/internal/config"
	"github.com/stakeflow/chain-engine/internal/estimate"
	"github.com/stakeflow/chain-engine/internal/fixedpoint"
	"github.com/stakeflow/chain-engine/internal/metrics"
	"github.com/stakeflow/chain-engine/internal/risk"
	"github.com/stakeflow/chain-engine/internal/store"
	"github.com/stakeflow/chain-engine/internal/venue"
)

func main() {
	configPath := flag.String("config", "engine.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// --- Store ---
	var st store.Store
	var cleanup []func()

	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Storage.DatabaseURL)
		if err != nil {
			logger.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Storage.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Storage.RedisURL)
			if err != nil {
				logger.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL())
			logger.Info("Redis cache enabled")
		}
	} else {
		logger.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Venue gateways ---
	client := venue.NewClient(venue.ClientConfig{
		BaseURL:    cfg.Venue.BaseURL,
		Timeout:    cfg.VenueTimeout(),
		MaxRetries: cfg.Venue.MaxRetries,
		RateLimit:  rate.Limit(cfg.Venue.RateLimit),
		RateBurst:  cfg.Venue.RateBurst,
	}, logger)

	// --- Risk limits ---
	limiter := risk.NewLimiter(
		cfg.Risk.MaxLegs,
		dollarsToMicros(cfg.Risk.MinStake),
		dollarsToMicros(cfg.Risk.MaxStake),
		cfg.Risk.MaxOpenChains,
		fractionToMicros(cfg.Risk.MaxSlippagePct),
	)

	// --- Estimates ---
	estimator := estimate.NewService(st, client,
		fractionToMicros(cfg.Executor.LiquidityPct), logger)

	// --- WebSocket hub ---
	wsHub := chain.NewWSHub()
	go wsHub.Run()

	// --- Execution ---
	executor := chain.NewExecutor(st, client, client, wsHub, logger, cfg.CloseWindow())
	dispatcher := chain.NewDispatcher(executor, logger, chain.DispatcherConfig{
		Workers:   cfg.Executor.Workers,
		QueueSize: cfg.Executor.QueueSize,
	})
	dispatcher.Start(context.Background())
	defer dispatcher.Stop()

	svc := chain.NewService(st, estimator, limiter, dispatcher, executor, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"chain-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time execution updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Post("/estimate", svc.Estimate)

		r.Post("/chains", svc.CreateChain)
		r.Get("/chains", svc.ListChains)
		r.Get("/chains/{chainID}", svc.GetChain)
		r.Post("/chains/{chainID}/legs/{sequence}/execute", svc.ExecuteLeg)
		r.Post("/chains/{chainID}/legs/{sequence}/settle", svc.SettleLeg)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("chain-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	logger.Info("shutting down chain-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	fmt.Println("chain-engine stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func dollarsToMicros(d float64) fixedpoint.Micros {
	return fixedpoint.Micros(d * fixedpoint.Scale)
}

func fractionToMicros(f float64) fixedpoint.Micros {
	return fixedpoint.Micros(f * fixedpoint.Scale)
}

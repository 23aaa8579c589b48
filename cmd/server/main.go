package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/papertrade/settlement-engine/internal/calendar"
	"github.com/papertrade/settlement-engine/internal/config"
	cronrunner "github.com/papertrade/settlement-engine/internal/cron"
	"github.com/papertrade/settlement-engine/internal/metrics"
	"github.com/papertrade/settlement-engine/internal/pricing"
	"github.com/papertrade/settlement-engine/internal/settle"
	"github.com/papertrade/settlement-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	// --- Initialize store ---
	var st store.Store
	var queryLedger store.Ledger
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(baseCtx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(baseCtx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		queryLedger = pg
		slog.Info("connected to PostgreSQL")

		// Wrap ledger reads with a Redis read-through cache if configured.
		// Settlement itself keeps reading the primary under the account lock.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			queryLedger = store.NewCachedLedger(pg, rdb, 30*time.Second)
			slog.Info("Redis ledger cache enabled")
		}
	} else {
		fs, err := store.NewFileStore(cfg.DataDir)
		if err != nil {
			slog.Error("file store setup failed", "err", err)
			os.Exit(1)
		}
		st = fs
		queryLedger = fs
		slog.Info("using JSONL file store", "data_dir", cfg.DataDir)
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	var oracle pricing.Oracle
	if cfg.OracleURL != "" {
		oracle = pricing.NewHTTPOracle(cfg.OracleURL)
		slog.Info("using HTTP price oracle", "url", cfg.OracleURL)
	} else {
		slog.Warn("ORACLE_URL not set, settlement will have no market data")
		oracle = pricing.NewStaticOracle(nil)
	}

	cal := calendar.New()

	// --- WebSocket hub ---
	wsHub := settle.NewWSHub()
	go wsHub.Run()

	// --- Settlement engine and HTTP service ---
	engine := settle.NewEngine(st, oracle, cal, wsHub, settle.EngineConfig{
		Market:       cfg.Market,
		StartingCash: cfg.StartingCash,
	})
	svc := settle.NewService(engine, st, queryLedger, wsHub, settle.ServiceConfig{
		Account:      cfg.Account,
		Market:       cfg.Market,
		StartingCash: cfg.StartingCash,
	})

	// --- Nightly settlement schedule ---
	runner := cronrunner.New(baseCtx)
	if cfg.SettleCron != "" {
		_, err := runner.Add(cfg.SettleCron, func(ctx context.Context) {
			date := time.Now().UTC().Format(calendar.DateLayout)
			if trading, err := cal.IsTradingDay(date, cfg.Market); err == nil && !trading {
				slog.Info("skipping settlement on non-trading day",
					"date", date, "market", cfg.Market)
				return
			}
			if err := engine.Settle(ctx, cfg.Account, date); err != nil {
				slog.Error("scheduled settlement failed", "date", date, "err", err)
			}
		})
		if err != nil {
			slog.Error("invalid SETTLE_CRON", "spec", cfg.SettleCron, "err", err)
			os.Exit(1)
		}
		runner.Start()
		defer runner.Stop()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening",
			"port", cfg.Port, "account", cfg.Account, "market", cfg.Market)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

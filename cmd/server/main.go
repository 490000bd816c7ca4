package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stablekit/cdp-engine/internal/engine"
	"github.com/stablekit/cdp-engine/internal/ledger"
	"github.com/stablekit/cdp-engine/internal/metrics"
	"github.com/stablekit/cdp-engine/internal/model"
	"github.com/stablekit/cdp-engine/internal/oracle"
	"github.com/stablekit/cdp-engine/internal/risk"
	"github.com/stablekit/cdp-engine/internal/store"
	"github.com/stablekit/cdp-engine/internal/token"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Engine parameters ---
	params := model.DefaultParams()
	if v := os.Getenv("LIQUIDATION_THRESHOLD_PERCENT"); v != "" {
		params.LiquidationThresholdPercent = mustUint(v, "LIQUIDATION_THRESHOLD_PERCENT")
	}
	if v := os.Getenv("LIQUIDATION_BONUS_PERCENT"); v != "" {
		params.LiquidationBonusPercent = mustUint(v, "LIQUIDATION_BONUS_PERCENT")
	}

	// --- Price oracle ---
	initialPrice := big.NewInt(0)
	if v := os.Getenv("ORACLE_INITIAL_PRICE"); v != "" {
		p, err := oracle.ParsePrice(v)
		if err != nil {
			slog.Error("invalid ORACLE_INITIAL_PRICE", "err", err)
			os.Exit(1)
		}
		initialPrice = p
	}
	feed := oracle.NewFeed(initialPrice)
	adapter := oracle.NewAdapter(feed)

	// --- Token collaborators ---
	// In-process banks back the development deployment; production swaps in
	// adapters for real token services.
	collateral := token.NewBank("WETH")
	stable := token.NewBank("SUSD")

	if faucet := os.Getenv("DEV_FAUCET"); faucet != "" {
		// Seed comma-separated account=amount pairs with collateral tokens.
		seedFaucet(collateral, faucet)
	}

	// --- WebSocket hub ---
	wsHub := engine.NewWSHub()
	go wsHub.Run()

	// --- Engine and HTTP service ---
	calc := risk.NewCalculator(params, adapter)
	eng := engine.New(params, ledger.New(st), calc, adapter, collateral, stable, wsHub)
	svc := engine.NewService(eng, feed, st, wsHub)

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
		w.Write([]byte(`{"status":"ok","service":"cdp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time position and price updates.
		r.Get("/ws", wsHub.HandleWS)

		// Position lifecycle.
		r.Get("/positions", svc.ListPositions)
		r.Route("/positions/{account}", func(r chi.Router) {
			r.Get("/", svc.GetPosition)
			r.Get("/history", svc.GetHistory)
			r.Post("/deposit", svc.Deposit)
			r.Post("/mint", svc.Mint)
			r.Post("/deposit-and-mint", svc.DepositAndMint)
			r.Post("/redeem", svc.Redeem)
			r.Post("/burn", svc.Burn)
			r.Post("/redeem-and-burn", svc.RedeemAndBurn)
		})

		// Liquidations.
		r.Post("/liquidations", svc.Liquidate)

		// Engine parameters and oracle administration.
		r.Get("/params", svc.GetParams)
		r.Get("/oracle/price", svc.GetPrice)
		r.Put("/oracle/price", svc.SetPrice)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("cdp-engine listening", "port", port)
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

	slog.Info("shutting down cdp-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("cdp-engine stopped")
}

func mustUint(v, name string) uint64 {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 || n > 100 {
		slog.Error("invalid percent value", "var", name, "value", v)
		os.Exit(1)
	}
	return n
}

// seedFaucet credits collateral to development accounts from a list like
// "alice=5000000000000000000,bob=2000000000000000000".
func seedFaucet(bank *token.Bank, pairs string) {
	ctx := context.Background()
	for _, pair := range strings.Split(pairs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		acct, amount, ok := strings.Cut(pair, "=")
		if !ok || acct == "" || amount == "" {
			slog.Warn("skipping malformed DEV_FAUCET entry", "entry", pair)
			continue
		}
		v, valid := new(big.Int).SetString(amount, 10)
		if !valid || v.Sign() <= 0 {
			slog.Warn("skipping malformed DEV_FAUCET amount", "entry", pair)
			continue
		}
		if ok, err := bank.Mint(ctx, acct, v); err != nil || !ok {
			slog.Warn("faucet mint failed", "account", acct, "err", err)
			continue
		}
		slog.Info("faucet seeded", "account", acct, "amount", v.String())
	}
}

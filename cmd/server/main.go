package main

import (
	"context"
	"fmt"
	"log/slog"
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

	"github.com/poolhub/ledger-engine/internal/accounting"
	"github.com/poolhub/ledger-engine/internal/auth"
	"github.com/poolhub/ledger-engine/internal/d18"
	"github.com/poolhub/ledger-engine/internal/holdings"
	"github.com/poolhub/ledger-engine/internal/hub"
	"github.com/poolhub/ledger-engine/internal/metrics"
	"github.com/poolhub/ledger-engine/internal/model"
	"github.com/poolhub/ledger-engine/internal/registry"
	"github.com/poolhub/ledger-engine/internal/store"
	"github.com/poolhub/ledger-engine/internal/valuation"
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

	// --- API tokens → caller identities ---
	// API_TOKENS is a comma-separated list of token=caller pairs. With no
	// tokens configured every request runs as "dev".
	tokens := parseTokens(os.Getenv("API_TOKENS"))
	callers := []string{"dev"}
	for _, caller := range tokens {
		callers = append(callers, caller)
	}

	// --- Engines ---
	wards := auth.NewWards(callers...)
	reg := registry.New(wards)
	ledger := accounting.New(wards, reg)
	hold := holdings.New(wards, reg)

	// --- Valuation providers ---
	decimals := valuation.FixedDecimals(18)
	if raw := os.Getenv("ASSET_DECIMALS"); raw != "" {
		decimals = envDecimals(raw)
	}
	providers := map[string]valuation.Provider{
		"identity":  valuation.NewIdentity(decimals),
		"oneToOne":  valuation.NewOneToOne(),
		"transient": valuation.NewTransient(d18.One(), decimals),
		"oracle":    valuation.NewOracle(decimals),
	}

	// --- WebSocket hub ---
	wsHub := hub.NewWSHub()
	go wsHub.Run()

	// --- Orchestration service ---
	svc := hub.NewService(st, reg, ledger, hold, providers, wsHub)

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
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(hub.TokenAuth(tokens))

		// WebSocket endpoint for real-time ledger events.
		r.Get("/ws", wsHub.HandleWS)

		// Pool and account management.
		r.Get("/pools", svc.ListPools)
		r.Post("/pools", svc.CreatePool)
		r.Post("/pools/init", svc.HandleInitPool)
		r.Post("/pools/{poolID}/accounts", svc.CreateAccount)
		r.Get("/pools/{poolID}/accounts/{accountID}", svc.GetAccount)
		r.Put("/pools/{poolID}/accounts/{accountID}/metadata", svc.SetAccountMetadata)
		r.Post("/pools/{poolID}/assets", svc.AllowAsset)
		r.Get("/pools/{poolID}/journal", svc.GetJournal)

		// Holdings.
		r.Post("/holdings", svc.CreateHolding)
		r.Put("/holdings/valuation", svc.UpdateHoldingValuation)
		r.Get("/pools/{poolID}/holdings/{shareClassID}/{assetID}", svc.GetHolding)

		// Compound ledger operations.
		r.Post("/deposits", svc.HandleDeposit)
		r.Post("/withdrawals", svc.HandleWithdraw)
		r.Post("/revaluations", svc.HandleRevalue)

		// Valuation price feed.
		r.Post("/prices", svc.SetPrice)
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
		slog.Info("ledger-engine listening", "port", port)
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

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}

// parseTokens parses "token=caller,token=caller" into a lookup map.
func parseTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		token, caller, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && token != "" && caller != "" {
			tokens[token] = caller
		}
	}
	return tokens
}

// envDecimals parses "USDC=6,DAI=18" into a decimals lookup, defaulting
// unknown assets to 18.
func envDecimals(raw string) valuation.DecimalsFunc {
	table := make(map[model.AssetID]int32)
	for _, pair := range strings.Split(raw, ",") {
		asset, dec, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if v, err := strconv.ParseInt(dec, 10, 32); err == nil {
			table[model.AssetID(asset)] = int32(v)
		}
	}
	return func(asset model.AssetID) (int32, error) {
		if d, ok := table[asset]; ok {
			return d, nil
		}
		return 18, nil
	}
}

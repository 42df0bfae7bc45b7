package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/playmoney/trade-engine/internal/amm"
	"github.com/playmoney/trade-engine/internal/config"
	"github.com/playmoney/trade-engine/internal/ledger"
	"github.com/playmoney/trade-engine/internal/limits"
	"github.com/playmoney/trade-engine/internal/lock"
	"github.com/playmoney/trade-engine/internal/market"
	"github.com/playmoney/trade-engine/internal/metrics"
	"github.com/playmoney/trade-engine/internal/position"
	"github.com/playmoney/trade-engine/internal/reconcile"
	"github.com/playmoney/trade-engine/internal/reserves"
	"github.com/playmoney/trade-engine/internal/store"
	"github.com/playmoney/trade-engine/internal/trade"
)

var configPath = flag.String("config", "", "Path to configuration file (optional)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	handlerOpts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var logger *slog.Logger
	if cfg.Logging.Format == "text" {
		logger = slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.Database.Migrate {
			if err := store.Migrate(ctx, pool); err != nil {
				slog.Error("database migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis.url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		// Caching the in-memory store would only add a hop.
		if cfg.Database.URL != "" {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Per-market trade sections ---
	var locker lock.Locker = lock.NewKeyed()
	if cfg.Redis.DistributedLock {
		locker = lock.NewRedisLocker(rdb, cfg.Redis.LockTTL)
		slog.Info("distributed market locks enabled", "ttl", cfg.Redis.LockTTL)
	}

	// --- Engine ---
	curveCfg, err := cfg.Curve()
	if err != nil {
		slog.Error("invalid amm config", "err", err)
		os.Exit(1)
	}
	curve, err := amm.NewCurve(curveCfg)
	if err != nil {
		slog.Error("invalid amm config", "err", err)
		os.Exit(1)
	}
	maxShares, maxCost := cfg.PositionLimits()

	l := ledger.New(st)
	aggregator := reserves.NewAggregator(st, curve)
	tracker := position.NewTracker(st, curveCfg.Scale)
	directory := market.NewDirectory(st)
	accounts := market.NewAccounts(st, l)
	if _, err := accounts.EnsureHouse(ctx); err != nil {
		slog.Error("house account setup failed", "err", err)
		os.Exit(1)
	}

	queue := reconcile.NewQueue(st, locker, aggregator, tracker).WithPools(directory)
	go queue.Run(ctx, cfg.Reconcile.Interval)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Trade service ---
	tradeSvc := trade.NewService(trade.Options{
		Store:      st,
		Ledger:     l,
		Curve:      curve,
		Aggregator: aggregator,
		Tracker:    tracker,
		Locker:     locker,
		Limiter:    limits.NewLimiter(maxShares, maxCost),
		Markets:    directory,
		Status:     directory,
		Accounts:   directory,
		Stale:      queue,
		Hub:        wsHub,
	})
	api := trade.NewHandler(tradeSvc, wsHub).WithReconciler(queue)
	if cfg.Server.SeedEndpoints {
		api.WithSeeding(market.NewSeeder(st, l, aggregator, accounts), accounts, cfg.InitialGrant())
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	api.Routes(r)

	// --- Server ---
	port := strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("trade-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down trade-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trade-engine stopped")
}

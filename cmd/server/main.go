package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/api"
	"github.com/atmx/paper-engine/internal/broker"
	"github.com/atmx/paper-engine/internal/config"
	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/oracle"
	"github.com/atmx/paper-engine/internal/selector"
	"github.com/atmx/paper-engine/internal/store"
	"github.com/atmx/paper-engine/internal/trading"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	opts := &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Store.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
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

	// --- Brokers ---
	registry := broker.NewRegistry()
	for name, url := range cfg.Brokers.Gateways {
		registry.Register(name, broker.RESTFactory(name, url, cfg.Brokers.Timeout))
		slog.Info("broker gateway registered", "broker", name, "url", url)
	}

	// --- Price oracle ---
	var source oracle.Source
	switch {
	case cfg.Quotes.URL != "":
		source = oracle.NewHTTPSource(cfg.Quotes.URL, cfg.Quotes.Timeout)
	case cfg.Quotes.Broker != "":
		adapter, err := registry.New(cfg.Quotes.Broker)
		if err != nil {
			slog.Error("quote broker unavailable", "broker", cfg.Quotes.Broker, "err", err)
			os.Exit(1)
		}
		source = adapter
	default:
		slog.Warn("no live quote source configured")
	}

	var cache oracle.Cache = oracle.NewMemoryCache(cfg.Price.CacheTTL, cfg.Price.CacheSize)
	if rdb != nil {
		cache = oracle.NewRedisCache(rdb, cfg.Price.CacheTTL)
	}

	var mock *oracle.Mock
	if cfg.Price.MockFallback {
		mock = oracle.NewMock(time.Now().UnixNano())
		slog.Warn("synthetic prices enabled for symbols without a live quote")
	}

	prices := oracle.New(oracle.Options{
		Source:        source,
		Cache:         cache,
		Mock:          mock,
		AuthToken:     cfg.Quotes.AuthToken,
		RetryAttempts: cfg.Price.RetryAttempts,
		RetryDelay:    cfg.Price.RetryDelay,
	})

	// --- Ledger and matching engine ---
	led := ledger.New(st, ledger.Defaults{
		Balance:  cfg.Paper.DefaultBalance,
		Currency: cfg.Paper.DefaultCurrency,
	})
	eng := engine.New(led, prices, engine.Config{
		PollInterval:   cfg.Engine.PollInterval,
		ErrorBackoff:   cfg.Engine.ErrorBackoff,
		MarketAttempts: cfg.Price.RetryAttempts,
	})

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)
	eng.SetNotifier(wsHub)
	eng.Start(ctx)

	// --- Service selector ---
	sel := selector.New(selector.EnvMode(cfg.Trading.ModeEnv),
		func(ctx context.Context, userID, brokerName string) (trading.Service, error) {
			return trading.NewPaperService(ctx, userID, brokerName, led, eng, prices)
		},
		func(_ context.Context, userID, brokerName string) (trading.Service, error) {
			adapter, err := registry.New(brokerName)
			if err != nil {
				return nil, err
			}
			return trading.NewLiveService(userID, adapter), nil
		},
	)
	slog.Info("trading mode", "mode", sel.CurrentMode())

	defaultBroker := "paper"
	if names := registry.Names(); len(names) > 0 {
		defaultBroker = names[0]
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(api.NewHandler(sel, defaultBroker), wsHub),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paper-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down paper-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	eng.Stop()
	stop()
	fmt.Println("paper-engine stopped")
}

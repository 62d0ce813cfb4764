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

	"github.com/foresight/exchange-core/internal/api"
	"github.com/foresight/exchange-core/internal/chain"
	"github.com/foresight/exchange-core/internal/cluster"
	"github.com/foresight/exchange-core/internal/config"
	"github.com/foresight/exchange-core/internal/coordstore"
	"github.com/foresight/exchange-core/internal/engine"
	"github.com/foresight/exchange-core/internal/reconcile"
	"github.com/foresight/exchange-core/internal/store"
	"github.com/foresight/exchange-core/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Durable store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		primary, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, primary.Close)

		var replica *pgxpool.Pool
		if cfg.DatabaseReplicaURL != "" {
			replica, err = pgxpool.New(ctx, cfg.DatabaseReplicaURL)
			if err != nil {
				slog.Error("replica connection failed", "err", err)
				os.Exit(1)
			}
			cleanup = append(cleanup, replica.Close)
		}
		st = store.NewPostgresStore(primary, replica)
		slog.Info("connected to PostgreSQL", "replica", replica != nil)
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Coordination store ---
	var coord coordstore.Store
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		coord = coordstore.NewRedisStore(rdb, 5*time.Second)
		slog.Info("connected to Redis")
	} else {
		slog.Warn("REDIS_URL not set, using in-memory coordination (single node only)")
		coord = coordstore.NewMemoryStore()
	}

	// --- WebSocket hub ---
	hub := ws.NewHub()
	go hub.Run()

	// --- Cluster membership ---
	broadcaster := cluster.NewBroadcaster(cfg.NodeID, coord)

	// --- Matching engine ---
	eng := engine.New(engine.Config{
		MakerFeeBps:         cfg.MakerFeeBps,
		TakerFeeBps:         cfg.TakerFeeBps,
		MinOrderAmount:      cfg.MinOrderAmount,
		MaxOrderAmount:      cfg.MaxOrderAmount,
		MaxLongExposure:     cfg.MaxLongExposure,
		MaxShortExposure:    cfg.MaxShortExposure,
		MaxTotalExposure:    cfg.MaxTotalExposure,
		SelfTradeProtection: cfg.SelfTradeProtection,
	}, st, engine.FanOut{broadcaster, hub}, nil)

	manager := cluster.NewManager(cluster.ManagerConfig{
		NodeID:  cfg.NodeID,
		Addr:    cfg.NodeAddr,
		LockTTL: cfg.LockTTL,
	}, coord, broadcaster, eng)
	eng.SetGate(manager)

	// Start as a follower: no matching until this node wins an election
	// and reloads state from the durable store.
	eng.Suspend()
	go manager.Run(ctx)

	// Followers mirror the leader's market data to their WS clients.
	if err := hub.Relay(ctx, broadcaster); err != nil {
		slog.Error("broadcast relay failed", "err", err)
		os.Exit(1)
	}

	proxy := cluster.NewProxy(manager, 10*time.Second)

	// --- Reconciliation ---
	var loop *reconcile.Loop
	if cfg.RPCURL != "" && cfg.SettlementContract != "" {
		reader, err := chain.Dial(ctx, cfg.RPCURL, cfg.SettlementContract)
		if err != nil {
			slog.Error("chain connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, reader.Close)
		loop = reconcile.New(reconcile.Config{
			Interval:         cfg.ReconcileInterval,
			MaxBlocksPerPass: cfg.MaxBlocksPerPass,
			StartBlock:       cfg.ReconcileStart,
			AutoFix:          cfg.AutoFix,
		}, reader, st, manager)
		go loop.Run(ctx)
		slog.Info("reconciliation enabled",
			"contract", cfg.SettlementContract, "interval", cfg.ReconcileInterval.String(), "auto_fix", cfg.AutoFix)
	} else {
		slog.Warn("RPC_URL not set, reconciliation disabled")
	}

	// --- HTTP service ---
	var reporter api.StatusReporter
	if loop != nil {
		reporter = loop
	}
	svc := api.NewService(eng, st, manager, proxy, reporter)
	idem := api.NewIdempotency(coord, 24*time.Hour)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      svc.Router(idem, hub.HandleWS),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange-core listening", "port", cfg.Port, "node", cfg.NodeID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown: stop the election (releasing the lock) and drain
	// in-flight requests.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down exchange-core...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange-core stopped")
}

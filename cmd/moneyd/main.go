// Command moneyd runs the money core daemon: the REST surface, the
// webhook gate, and the recovery loops.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/httpapi"
	"github.com/hustlexp/money-core/internal/ingress"
	"github.com/hustlexp/money-core/internal/killswitch"
	"github.com/hustlexp/money-core/internal/ledger"
	"github.com/hustlexp/money-core/internal/locks"
	"github.com/hustlexp/money-core/internal/platform/auth"
	"github.com/hustlexp/money-core/internal/platform/clock"
	"github.com/hustlexp/money-core/internal/platform/config"
	"github.com/hustlexp/money-core/internal/platform/logging"
	"github.com/hustlexp/money-core/internal/platform/metrics"
	"github.com/hustlexp/money-core/internal/provider"
	"github.com/hustlexp/money-core/internal/recovery"
	"github.com/hustlexp/money-core/internal/saga"
	"github.com/hustlexp/money-core/internal/store"
	"github.com/hustlexp/money-core/internal/store/memory"
	"github.com/hustlexp/money-core/internal/store/postgres"
	"github.com/hustlexp/money-core/internal/tpee"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.Mode)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("moneyd exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}
	m := metrics.New()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
	} else {
		log.Warn("no database configured, using in-memory store")
		st = memory.New()
	}

	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	ks := killswitch.New(rdb, log, clk, m)
	ks.Restore(ctx)

	led := ledger.New(st, ks, log, clk)
	lockMgr := locks.NewManager(st, cfg.AppLockTTL(), clk, log)

	var adapter provider.Adapter
	if cfg.StripeSecretKey != "" {
		adapter = provider.NewStripe(cfg.StripeSecretKey, log)
	} else {
		log.Warn("no stripe key configured, using mock provider")
		adapter = provider.NewMock()
	}

	sagas := saga.New(st, led, adapter, lockMgr, ks, clk, log, m, saga.Config{
		FeeBasisPoints: cfg.PlatformFeeBasisPoints,
		SingleTx:       cfg.Mode == "local" || cfg.Mode == "test",
	})

	proposal, err := tpee.New(cfg, tpee.StaticTrust{}, clk, log, m)
	if err != nil {
		return err
	}

	gate := ingress.NewGate(cfg, st, sagas, ks, clk, log, m)

	rec := recovery.New(st, led, adapter, ks, cfg, sagas.Chain(), clk, log, m)
	rec.Start(ctx)
	led.StartSnapshotWorker(ctx, 6*time.Hour)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	srv, err := httpapi.New(cfg, st, sagas, gate, proposal, ks, verifier, clk, log, m)
	if err != nil {
		return err
	}
	srv.StartIdempotencyCleanup(ctx, time.Hour)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		if err := srv.Shutdown(); err != nil {
			log.Error("http shutdown failed", zap.Error(err))
		}
	}()

	log.Info("moneyd listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("mode", cfg.Mode))
	return srv.Listen(cfg.HTTPAddr)
}

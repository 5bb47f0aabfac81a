package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Peergos/payments/internal/api"
	"github.com/Peergos/payments/internal/config"
	"github.com/Peergos/payments/internal/database"
	"github.com/Peergos/payments/internal/engine"
	"github.com/Peergos/payments/internal/gateway"
	"github.com/Peergos/payments/internal/ledger"
	"github.com/Peergos/payments/internal/scheduler"
	"github.com/Peergos/payments/internal/units"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := buildLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	var store ledger.Store
	switch cfg.Database.Driver {
	case "postgres":
		db, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		pg := ledger.NewPostgresStore(db)
		if err := pg.InitializeSchema(ctx); err != nil {
			logger.Fatal("initializing schema", zap.Error(err))
		}
		store = pg
		logger.Info("using postgres store", zap.String("host", cfg.Database.Host))
	case "memory":
		store = ledger.NewMemoryStore()
		logger.Warn("using in-memory store, all state is lost on restart")
	default:
		logger.Fatal("invalid database driver", zap.String("driver", cfg.Database.Driver))
	}

	var bank gateway.Gateway
	if cfg.Stripe.SecretKey != "" {
		bank = gateway.NewStripeGateway(cfg.Stripe.SecretKey, logger)
		logger.Info("using stripe gateway")
	} else {
		bank = gateway.NewMockGateway()
		logger.Warn("no stripe secret configured, using mock gateway")
	}

	pricer, err := cfg.Billing.BuildPricer()
	if err != nil {
		logger.Fatal("building pricer", zap.Error(err))
	}
	allowedQuotas, err := cfg.Billing.AllowedQuotaLevels()
	if err != nil {
		logger.Fatal("parsing allowed quotas", zap.Error(err))
	}
	freeQuota, err := config.ParseQuota(cfg.Billing.DefaultFreeQuota)
	if err != nil {
		logger.Fatal("parsing default free quota", zap.Error(err))
	}
	minQuota, err := config.ParseQuota(cfg.Billing.MinQuota)
	if err != nil {
		logger.Fatal("parsing min quota", zap.Error(err))
	}
	minPayment, err := units.Cents(cfg.Billing.MinPaymentCents)
	if err != nil {
		logger.Fatal("parsing min payment", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	eng := engine.New(store, pricer, bank, logger, registry, engine.Config{
		MinPaymentCents:  minPayment,
		DefaultFreeQuota: freeQuota,
		MinQuota:         minQuota,
		MaxUsers:         cfg.Billing.MaxUsers,
		AllowedQuotas:    allowedQuotas,
		Currency:         cfg.Billing.Currency,
		PortalURL:        cfg.Billing.PortalURL,
		RetryAttempts:    cfg.Settlement.RetryAttempts,
		RetryBackoff:     cfg.Settlement.RetryBackoff.Std(),
	})

	sched, err := scheduler.New(eng, logger, cfg.Settlement.At)
	if err != nil {
		logger.Fatal("building scheduler", zap.Error(err))
	}

	schedCtx, stopSched := context.WithCancel(ctx)
	go func() {
		if err := sched.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	}()

	server := api.NewServer(cfg.Server.ListenAddr, cfg.Server.AuthToken, logger, eng, sched, registry)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down...")
		stopSched()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildLogger(level string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

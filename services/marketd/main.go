package marketd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"p2pmarket/config"
	"p2pmarket/crypto"
	"p2pmarket/observability"
	"p2pmarket/observability/logging"
	telemetry "p2pmarket/observability/otel"
	"p2pmarket/services/marketd/actions"
	"p2pmarket/services/marketd/dispatch"
	"p2pmarket/services/marketd/governance"
	"p2pmarket/services/marketd/inbox"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/repository"
	"p2pmarket/services/marketd/server"
	"p2pmarket/services/marketd/trade"
	"p2pmarket/services/marketd/transport"
	"p2pmarket/services/marketd/transport/memory"
	"p2pmarket/services/marketd/transport/smsgrpc"
	"p2pmarket/services/marketd/wallet"
)

// Main initialises and runs the market daemon until SIGINT or SIGTERM.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/marketd/config.yaml", "path to marketd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.Setup("marketd", cfg.Env, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Level:      level,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	store, err := repository.NewStore(db, repository.WithListingCacheSize(cfg.Database.ListingCacheSize))
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, closeTransport, err := openTransport(stopCtx, cfg.Transport, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	w, err := wallet.NewStatic(cfg.Wallet.Addresses, cfg.Wallet.Balances)
	if err != nil {
		return fmt.Errorf("init wallet: %w", err)
	}
	evaluator, err := governance.NewEvaluator(store, w, governance.Thresholds{
		ItemRemovalBps:   cfg.Governance.ItemRemovalThresholdBps,
		MarketRemovalBps: cfg.Governance.MarketRemovalThresholdBps,
	}, logger)
	if err != nil {
		return fmt.Errorf("init evaluator: %w", err)
	}

	registry := dispatch.NewRegistry()
	if err := actions.Register(registry, actions.Deps{
		Store:     store,
		Evaluator: evaluator,
		Wallet:    w,
		Logger:    logger,
	}); err != nil {
		return fmt.Errorf("register processors: %w", err)
	}
	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		Envelopes:       store.Envelopes,
		Registry:        registry,
		BatchSize:       cfg.Dispatch.BatchSize,
		MaxWaitAttempts: cfg.Dispatch.MaxWaitAttempts,
		Logger:          logger,
		Metrics:         observability.Marketd(),
	})
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}
	poller, err := inbox.NewPoller(inbox.Config{
		Transport:  tr,
		Envelopes:  store.Envelopes,
		Factory:    inbox.NewEnvelopeFactory(tr, nil),
		BatchSize:  cfg.Inbox.BatchSize,
		FetchLimit: cfg.Inbox.FetchLimit,
		Logger:     logger,
		Metrics:    observability.Marketd(),
	})
	if err != nil {
		return fmt.Errorf("init poller: %w", err)
	}
	svc, err := NewService(Config{
		Poller:     poller,
		Dispatcher: dispatcher,
		Interval:   cfg.Inbox.PollInterval.Duration,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	ops, err := server.New(server.Config{
		Envelopes: store.Envelopes,
		Retrier:   dispatcher,
		Templates: trade.NewTemplateService(store, nil),
		Ping: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init ops server: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           ops.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		logger.Info("marketd listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.Run(stopCtx); err != nil {
			errs <- err
		}
	}()

	var runErr error
	select {
	case <-stopCtx.Done():
	case runErr = <-errs:
		stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
	}
	<-done
	logger.Info("marketd stopped")
	return runErr
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// openTransport dials the messaging daemon, or builds an in-process endpoint
// with a throwaway identity when loopback is configured.
func openTransport(ctx context.Context, cfg config.TransportConfig, logger *slog.Logger) (transport.Transport, func(), error) {
	if cfg.Loopback {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, nil, fmt.Errorf("loopback identity: %w", err)
		}
		endpoint := memory.NewHub(nil).Endpoint(key)
		logger.Warn("using loopback transport", "address", endpoint.Address())
		return endpoint, func() {}, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := smsgrpc.Dial(dialCtx, smsgrpc.Config{
		Endpoint:      cfg.Endpoint,
		User:          cfg.User,
		Password:      cfg.Password,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		DaysRetention: cfg.DaysRetention,
		MaxElapsed:    cfg.MaxElapsed.Duration,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial transport: %w", err)
	}
	logger.Info("transport connected", "endpoint", cfg.Endpoint, logging.MaskField("user", cfg.User))
	return client, client.Close, nil
}

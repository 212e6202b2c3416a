package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dealerpay/internal/app"
	"dealerpay/internal/config"
	"dealerpay/internal/handler"
	"dealerpay/internal/pricing"
	internalRedis "dealerpay/internal/redis"
	"dealerpay/internal/repository/postgres"
	"dealerpay/internal/scheduler"
	"dealerpay/internal/service"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize New Relic FIRST (before database so we can instrument DB).
	var nrApp *newrelic.Application
	if cfg.NewRelic.Enabled && cfg.NewRelic.LicenseKey != "" {
		nrApp, err = newrelic.NewApplication(
			newrelic.ConfigAppName(cfg.NewRelic.AppName),
			newrelic.ConfigLicense(cfg.NewRelic.LicenseKey),
			newrelic.ConfigDistributedTracerEnabled(true),
			newrelic.ConfigAppLogForwardingEnabled(true),
		)
		if err != nil {
			logger.Warn("failed to initialize New Relic", zap.Error(err))
		} else {
			logger.Info("New Relic enabled", zap.String("app", cfg.NewRelic.AppName))
		}
	}

	// Initialize database with New Relic instrumentation.
	db, err := app.NewDatabase(ctx, cfg.Database, nrApp)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			logger.Fatal("failed to migrate database", zap.Error(err))
		}
		logger.Info("database schema up to date")
	}

	// Initialize Redis with New Relic instrumentation.
	redisClient, err := app.NewRedisClient(ctx, cfg.Redis, nrApp)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	// Wire dependencies.
	srv, err := wireServer(db, redisClient, nrApp, cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire server", zap.Error(err))
	}

	if srv.scheduler != nil {
		if err := srv.scheduler.Start(); err != nil {
			logger.Fatal("failed to start scheduler", zap.Error(err))
		}
	}

	// Start server in goroutine.
	go func() {
		logger.Info("starting server", zap.String("port", cfg.Server.Port))
		if err := srv.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.http.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	if srv.scheduler != nil {
		select {
		case <-srv.scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("scheduler jobs still running at shutdown")
		}
	}

	if err := srv.closeActivator(); err != nil {
		logger.Error("failed to close activator", zap.Error(err))
	}

	logger.Info("server exited")
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

type server struct {
	http           *http.Server
	scheduler      *scheduler.Scheduler
	closeActivator func() error
}

// wireServer wires all dependencies and returns the HTTP server and background jobs.
func wireServer(db *sql.DB, redisClient *redis.Client, nrApp *newrelic.Application, cfg *config.Config, logger *zap.Logger) (*server, error) {
	// Initialize Redis stores.
	lockStore := internalRedis.NewLockStore(redisClient)
	deduper := internalRedis.NewEventDeduper(redisClient, cfg.Redis.WebhookDedupTTL, logger)

	// Initialize repositories.
	paymentRepo := postgres.NewPaymentRepository(db)

	// Initialize providers.
	providers, err := app.NewProviders(cfg, redisClient, logger)
	if err != nil {
		return nil, err
	}
	activator, closeActivator := app.NewActivator(cfg.Kafka, logger)

	// Initialize services.
	catalog := pricing.NewDefaultCatalog()
	paymentService := service.NewPaymentService(paymentRepo, catalog, providers.Registry, service.DefaultRetryPolicy(), logger)
	reconciliationService := service.NewReconciliationService(paymentRepo, activator, logger)
	sweeper := service.NewSweeper(paymentRepo, reconciliationService, providers.Queriers, lockStore, service.SweepConfig{
		MaxAge:               cfg.Sweep.MaxAge,
		PollAfter:            cfg.Sweep.PollAfter,
		ActivationRetryAfter: cfg.Sweep.ActivationRetryAfter,
		BatchSize:            cfg.Sweep.BatchSize,
		LockTTL:              cfg.Sweep.LockTTL,
	}, logger)

	var sched *scheduler.Scheduler
	if cfg.Sweep.Enabled {
		sched = scheduler.New(sweeper, scheduler.Config{
			PollSchedule:       cfg.Sweep.PollSchedule,
			SweepSchedule:      cfg.Sweep.SweepSchedule,
			ActivationSchedule: cfg.Sweep.ActivationSchedule,
			JobTimeout:         cfg.Sweep.LockTTL,
		}, logger.Named("scheduler"))
	}

	// Initialize handlers. A disabled provider must reach the handler as a nil interface.
	var (
		cardParser        handler.CardWebhookParser
		mobileMoneyParser handler.MobileMoneyCallbackParser
	)
	if providers.Card != nil {
		cardParser = providers.Card
	}
	if providers.MobileMoney != nil {
		mobileMoneyParser = providers.MobileMoney
	}

	paymentHandler := handler.NewPaymentHandler(paymentService)
	pricingHandler := handler.NewPricingHandler(paymentService)
	webhookHandler := handler.NewWebhookHandler(
		reconciliationService,
		cardParser,
		mobileMoneyParser,
		cfg.MobileMoney.CallbackToken,
		deduper,
		logger.Named("webhook"),
	)

	// Create router.
	router := app.NewRouter(app.RouterDeps{
		PaymentHandler: paymentHandler,
		PricingHandler: pricingHandler,
		WebhookHandler: webhookHandler,
		RedisClient:    redisClient,
		NewRelicApp:    nrApp,
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		JWTIssuer:      cfg.Auth.Issuer,
		IdempotencyTTL: cfg.Redis.IdempotencyTTL,
		Logger:         logger,
	})

	// Create HTTP server.
	return &server{
		http: &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		scheduler:      sched,
		closeActivator: closeActivator,
	}, nil
}

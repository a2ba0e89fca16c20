// Package main wires the campaign dispatch engine: repositories, flows, the scheduler and the ops server
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/amirphl/orochi-dispatch/app/handlers"
	"github.com/amirphl/orochi-dispatch/app/logging"
	"github.com/amirphl/orochi-dispatch/app/middleware"
	"github.com/amirphl/orochi-dispatch/app/router"
	"github.com/amirphl/orochi-dispatch/app/scheduler"
	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
)

const serviceName = "orochi-dispatch"

// Application represents the main application structure
type Application struct {
	config    *config.ProductionConfig
	logger    zerolog.Logger
	router    *router.OpsRouter
	db        *gorm.DB
	redis     *redis.Client
	stopFuncs []func()
	closers   []io.Closer
}

func main() {
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		stdlog.Fatalf("Failed to load configuration: %v", err)
	}

	logger, logCloser := logging.New(cfg.Logging, serviceName)
	logger.Info().
		Str("environment", cfg.Deployment.Environment).
		Str("version", cfg.Deployment.Version).
		Str("commit", cfg.Deployment.CommitHash).
		Msg("starting campaign dispatch engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initializeApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
	}
	app.closers = append(app.closers, logCloser)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		serverErr <- app.router.Start(address)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("ops server stopped unexpectedly")
		}
	}

	cancel()
	app.shutdown()
}

func (a *Application) shutdown() {
	// Background work first so no sweep starts against closed connections
	for _, fn := range a.stopFuncs {
		fn()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	if err := a.router.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("error during ops server shutdown")
	}

	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	a.logger.Info().Msg("server stopped")
	for _, c := range a.closers {
		_ = c.Close()
	}
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig, logger zerolog.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	slow := cfg.SlowQueryTime
	if !cfg.SlowQueryLog {
		slow = 0
		level = gormlogger.Error
	}
	dbLogger := gormlogger.New(
		stdlog.New(logger.With().Str("component", "gorm").Logger(), "", 0),
		gormlogger.Config{
			SlowThreshold:             slow,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         dbLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(models.All()...); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	logger.Info().
		Int("max_open_conns", cfg.MaxOpenConns).
		Int("max_idle_conns", cfg.MaxIdleConns).
		Bool("auto_migrate", cfg.AutoMigrate).
		Msg("database connection established")

	return db, nil
}

// initializeCache connects to Redis and verifies connectivity
func initializeCache(cfg config.CacheConfig, logger zerolog.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("addr", opt.Addr).Int("db", cfg.RedisDB).Msg("redis connection established")
	return rc, nil
}

// initializeApplication initializes the main application components
func initializeApplication(ctx context.Context, cfg *config.ProductionConfig, logger zerolog.Logger) (*Application, error) {
	db, err := initializeDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	// Initialize repositories
	campaignRepo := repository.NewCampaignRepository(db)
	recipientRepo := repository.NewCampaignRecipientRepositoryWithChunk(db, cfg.Dispatch.InsertChunk)
	metadataRepo := repository.NewCampaignMetadataRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)
	contactRepo := repository.NewContactRepository(db)
	walletRepo := repository.NewCreditWalletRepository(db)
	reservationRepo := repository.NewCreditReservationRepository(db)
	creditTxRepo := repository.NewCreditTransactionRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)
	idempotencyRepo := repository.NewIdempotencyRecordRepository(db)
	batchRepo := repository.NewDispatchBatchRepository(db)
	transactor := repository.NewTransactor(db)

	// Initialize services
	queue := services.NewAsynqJobQueue(rc, services.AsynqJobQueueConfig{
		Queue:     cfg.Dispatch.QueueName,
		Retention: cfg.Dispatch.JobRetention,
	}, logger)
	logger.Info().Interface("queue_weights", queue.QueueWeights()).Msg("job broker queues ready")
	locker := services.NewRedisLocker(rc, cfg.Cache.RedisPrefix)
	cooldown := services.NewRedisCooldown(rc, cfg.Cache.RedisPrefix)
	resolver := services.NewDBAudienceResolver(contactRepo)
	var statusClient services.DeliveryStatusProvider
	if cfg.StatusProvider.BaseURL != "" {
		statusClient = services.NewHTTPDeliveryStatusClient(services.DeliveryStatusClientConfig{
			BaseURL:   cfg.StatusProvider.BaseURL,
			Token:     cfg.StatusProvider.Token,
			Timeout:   cfg.StatusProvider.Timeout,
			RateLimit: cfg.StatusProvider.RateLimit,
			Burst:     cfg.StatusProvider.Burst,
		}, logger)
	} else {
		logger.Warn().Msg("status provider not configured; delivery status refresh is a no-op")
	}

	// Initialize flows
	ledger := businessflow.NewCreditLedger(transactor, walletRepo, reservationRepo, creditTxRepo, logger)
	allowance := businessflow.NewSubscriptionAllowance(subscriptionRepo)
	idempotency := businessflow.NewIdempotencyStore(idempotencyRepo, cfg.Reconciliation.IdempotencyLease)
	dispatcher := businessflow.NewBatchDispatcher(queue, batchRepo, businessflow.BatchDispatcherConfig{
		BatchSize:           cfg.Dispatch.BatchSize,
		Concurrency:         cfg.Dispatch.Concurrency,
		Attempts:            cfg.Dispatch.JobAttempts,
		Backoff:             cfg.Dispatch.JobBackoff,
		DuplicateScan:       cfg.Dispatch.DuplicateScan,
		CompletedScanWindow: cfg.Dispatch.CompletedScanWindow,
	}, logger)

	dispatchFlow := businessflow.NewCampaignDispatchFlow(
		campaignRepo,
		recipientRepo,
		metadataRepo,
		auditRepo,
		ledger,
		allowance,
		resolver,
		dispatcher,
		queue,
		idempotency,
		businessflow.DispatchFlowConfig{
			ReservationTTL: cfg.Dispatch.ReservationTTL,
			ReleaseRetries: cfg.Dispatch.ReleaseRetries,
			ReleaseBackoff: cfg.Dispatch.ReleaseBackoff,
		},
		logger,
	)

	reconcileFlow := businessflow.NewReconciliationFlow(
		campaignRepo,
		recipientRepo,
		metadataRepo,
		auditRepo,
		ledger,
		dispatcher,
		queue,
		cooldown,
		idempotency,
		businessflow.ReconciliationConfig{
			StaleThreshold:       cfg.Reconciliation.StaleThreshold,
			Cooldown:             cfg.Reconciliation.Cooldown,
			ReservationMaxAge:    cfg.Reconciliation.ReservationMaxAge,
			SweepLimit:           cfg.Reconciliation.SweepLimit,
			IdempotencyRetention: cfg.Reconciliation.IdempotencyRetention,
		},
		logger,
	)

	statusFlow := businessflow.NewStatusRefreshFlow(recipientRepo, statusClient, cfg.StatusProvider.BatchSize, logger)

	app := &Application{
		config: cfg,
		logger: logger,
		db:     db,
		redis:  rc,
	}

	opts := router.Options{
		Service:       serviceName,
		Version:       cfg.Deployment.Version,
		MetricsPath:   cfg.Metrics.Path,
		EnableMetrics: cfg.Metrics.Enabled,
		HealthTimeout: cfg.Server.HealthTimeout,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		IdleTimeout:   cfg.Server.IdleTimeout,
	}
	if cfg.API.Enabled {
		tokens, err := services.NewTokenService(services.TokenServiceConfig{
			TTL:        cfg.API.TokenTTL,
			Issuer:     cfg.API.Issuer,
			Audience:   cfg.API.Audience,
			UseRSAKeys: cfg.API.UseRSAKeys,
			PrivateKey: cfg.API.PrivateKey,
			PublicKey:  cfg.API.PublicKey,
			SecretKey:  cfg.API.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize token service: %w", err)
		}
		opts.API = handlers.NewCampaignDispatchHandler(dispatchFlow, reconcileFlow, cfg.API.RequestTimeout, logger)
		opts.APIAuth = middleware.NewAuthMiddleware(tokens).Authenticate()
	}

	app.router = router.NewOpsRouter(opts, []router.HealthCheck{
		{Name: "database", Probe: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
		{Name: "redis", Probe: func(ctx context.Context) error {
			if err := rc.Ping(ctx).Err(); err != nil {
				return errors.Join(errors.New("redis ping failed"), err)
			}
			return nil
		}},
	}, logger)

	if cfg.Scheduler.Enabled {
		schedLogger, schedCloser := logging.NewScheduler(cfg.Logging, cfg.Logging.SchedulerLogDir)
		app.closers = append(app.closers, schedCloser)

		coordinator := scheduler.NewCoordinator(
			campaignRepo,
			transactor,
			dispatchFlow,
			reconcileFlow,
			statusFlow,
			locker,
			scheduler.Config{
				CampaignInterval:      cfg.Scheduler.CampaignInterval,
				ReconcileInterval:     cfg.Scheduler.ReconcileInterval,
				StatusRefreshInterval: cfg.Scheduler.StatusRefreshInterval,
				CampaignLockTTL:       cfg.Scheduler.CampaignLockTTL,
				ReconcileLockTTL:      cfg.Scheduler.ReconcileLockTTL,
				StatusRefreshLockTTL:  cfg.Scheduler.StatusRefreshLockTTL,
				DueLimit:              cfg.Scheduler.DueLimit,
				RunOnStart:            cfg.Scheduler.RunOnStart,
			},
			schedLogger,
		)
		stop, err := coordinator.Start(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to start scheduler: %w", err)
		}
		app.stopFuncs = append(app.stopFuncs, stop)
	} else {
		logger.Warn().Msg("scheduler disabled; campaigns will only be dispatched on explicit enqueue")
	}

	return app, nil
}

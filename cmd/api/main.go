// Package main is the entry point for the reservation-service API.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"reservation-service/internal/app/service"
	"reservation-service/internal/config"
	"reservation-service/internal/guard"
	"reservation-service/internal/infra/kafka"
	"reservation-service/internal/infra/postgres"
	"reservation-service/internal/infra/postgres/migrations"
	redisclient "reservation-service/internal/infra/redis"
	"reservation-service/internal/job"
	"reservation-service/internal/logger"
	"reservation-service/internal/metrics"
	"reservation-service/internal/transport/httpserver"
	"reservation-service/internal/validator"
	"reservation-service/pkg/locker"
	"reservation-service/pkg/ratelimit"
)

func main() {
	cfg, err := config.Load(os.Getenv("APP_CONFIG"))
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(
		logger.Config{
			Level:  cfg.Logger.Level,
			Format: cfg.Logger.Format,
			Output: cfg.Logger.Output,
		},
		logger.SentryConfig{
			Enabled:     cfg.Sentry.Enabled,
			DSN:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     cfg.Sentry.Release,
			SampleRate:  cfg.Sentry.SampleRate,
		},
	)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting reservation-service",
		zap.String("env", cfg.App.Env),
		zap.Int("port", cfg.App.Port),
		zap.String("coordination", cfg.Coordination.Strategy),
	)

	scope, metricsCloser := metrics.New(metrics.Config{
		Enabled:        cfg.Metrics.Enabled,
		Prefix:         cfg.Metrics.Prefix,
		ReportInterval: cfg.Metrics.ReportInterval,
		Tags:           map[string]string{"env": cfg.App.Env},
	}, log.Named("metrics"))
	defer func() { _ = metricsCloser.Close() }()

	ctx := context.Background()

	db, err := postgres.NewConnection(ctx,
		postgres.Config{
			Host:         cfg.Database.Host,
			Port:         cfg.Database.Port,
			Name:         cfg.Database.Name,
			User:         cfg.Database.User,
			Password:     cfg.Database.Password,
			SSLMode:      cfg.Database.SSLMode,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			MaxLifetime:  cfg.Database.MaxLifetime,
			LogLevel:     cfg.Database.LogLevel,
		},
		log.Named("postgres"),
	)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() { _ = postgres.Close(db) }()

	if err := migrations.Run(db); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}
	log.Info("database migrations completed")

	rdb, err := redisclient.NewClient(ctx,
		redisclient.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		},
		log.Named("redis"),
	)
	if err != nil {
		log.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	coordinators, monitorLock, err := newCoordinators(cfg, rdb, db, log.Named("coordination"))
	if err != nil {
		log.Fatal("failed to set up coordination", zap.Error(err))
	}
	g := guard.New(coordinators, log.Named("guard"), scope)

	producer, err := kafka.NewProducer(kafka.Config{
		Brokers:         cfg.Kafka.Brokers,
		ClientID:        cfg.Kafka.ClientID,
		TopicPrefix:     cfg.Kafka.TopicPrefix,
		MessageTimeout:  cfg.Kafka.MessageTimeout,
		LingerMs:        cfg.Kafka.LingerMs,
		CompressionType: cfg.Kafka.CompressionType,
		FlushTimeout:    cfg.Kafka.FlushTimeout,
	}, log.Named("kafka"))
	if err != nil {
		log.Fatal("failed to create kafka producer", zap.Error(err))
	}
	emitter := kafka.NewEmitter(producer, cfg.Kafka.TopicPrefix, log.Named("kafka"))

	tx := postgres.NewTransactor(db)
	outboxSvc := service.NewOutboxService(
		tx,
		postgres.NewOutboxRepository(db),
		emitter,
		cfg.Outbox.DeliveryTimeout,
		log.Named("outbox"),
		scope,
	)

	reservationSvc, err := service.NewReservationService(
		tx,
		postgres.NewOccupancyRepository(db),
		outboxSvc,
		g,
		service.ReservationConfig{
			SlotLockWait:   cfg.Reservation.SlotLockWait,
			CancelLockWait: cfg.Reservation.CancelLockWait,
			UserRate: ratelimit.Settings{
				Rate:           cfg.Reservation.UserRate,
				Interval:       cfg.Reservation.UserRateInterval,
				BucketLiveTime: 2 * cfg.Reservation.UserRateInterval,
				MaxWait:        cfg.Reservation.UserRateMaxWait,
			},
			RestaurantConcurrency: locker.SemaphoreSettings{
				Capacity: cfg.Reservation.RestaurantConcurrency,
				Duration: cfg.Reservation.PermitTTL,
			},
			RestaurantWait: cfg.Reservation.RestaurantWait,
			TxTimeout:      cfg.Reservation.TxTimeout,
		},
		log.Named("reservation"),
	)
	if err != nil {
		log.Fatal("failed to create reservation service", zap.Error(err))
	}

	monitor := job.NewOutboxMonitor(
		outboxSvc,
		job.MonitorConfig{
			Interval:   cfg.Outbox.Monitor.Interval,
			StaleAfter: cfg.Outbox.Monitor.StaleAfter,
			Timeout:    cfg.Outbox.Monitor.Timeout,
			OnStartup:  cfg.Outbox.Monitor.OnStartup,
		},
		monitorLock,
		log.Named("outbox-monitor"),
		scope,
	)
	if cfg.Outbox.Monitor.Enabled {
		monitor.Start()
	}

	server := httpserver.NewServer(
		httpserver.ServerConfig{
			Port:          cfg.App.Port,
			BodyLimit:     cfg.HTTP.BodyLimit,
			ReadTimeout:   cfg.HTTP.ReadTimeout,
			WriteTimeout:  cfg.HTTP.WriteTimeout,
			ClientRate:    cfg.HTTP.ClientRate,
			ClientBurst:   cfg.HTTP.ClientBurst,
			ClientIdleTTL: cfg.HTTP.ClientIdleTTL,
		},
		httpserver.Services{
			Reservations: reservationSvc,
			Outbox:       outboxSvc,
			Scanner:      monitor,
		},
		validator.New(),
		log.Named("http"),
		func(ctx context.Context) error { return postgres.HealthCheck(ctx, db) },
		func(ctx context.Context) error { return redisclient.HealthCheck(ctx, rdb) },
	)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.App.Port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			log.Error("server error", zap.Error(err))
		}
	}

	monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}

	// In-flight deliveries resolve against the producer, so it closes after
	// the server has drained.
	producer.Close()

	log.Info("reservation-service stopped")
}

// newCoordinators builds the guard backends for the configured strategy and
// the lock the outbox monitor uses for its cluster-wide scan.
//
// With the redis strategy, general and fair locks degrade to database named
// locks while their circuit breaker is open (when failover is enabled). The
// database strategy uses named locks for both. Semaphores and rate limiters
// are Redis only.
func newCoordinators(cfg *config.Config, rdb *redis.Client, db *gorm.DB, logger *zap.Logger) (guard.Coordinators, locker.Locker, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return guard.Coordinators{}, nil, err
	}

	prefix := cfg.Coordination.KeyPrefix
	named := locker.NewNamedLocker(sqlDB, prefix, logger)

	mutexCfg := locker.MutexConfig{
		Prefix:        prefix,
		LeaseTime:     cfg.Coordination.LeaseTime,
		RetryInterval: cfg.Coordination.RetryInterval,
	}

	clientID := cfg.Coordination.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	c := guard.Coordinators{
		NamedLock:   named,
		Semaphore:   locker.NewSemaphore(rdb, prefix, cfg.Coordination.RetryInterval, logger),
		RateLimiter: ratelimit.NewRedisLimiter(rdb, prefix, clientID, logger),
	}

	switch cfg.Coordination.Strategy {
	case config.StrategyDatabase:
		c.Lock = named
		c.FairLock = named
	case config.StrategyRedis:
		var mutex, fair locker.Locker = locker.NewMutexLocker(rdb, mutexCfg, logger),
			locker.NewFairLocker(rdb, locker.FairConfig{
				MutexConfig: mutexCfg,
				StaleAfter:  cfg.Coordination.FairStaleAfter,
			}, logger)

		if f := cfg.Coordination.Failover; f.Enabled {
			breaker := locker.BreakerConfig{
				MaxRequests:  f.MaxRequests,
				Interval:     f.Interval,
				Timeout:      f.Timeout,
				FailureRatio: f.FailureRatio,
				MinRequests:  f.MinRequests,
			}
			mutex = locker.NewFailoverLocker(mutex, named, breaker, logger.With(zap.String("lock", "mutex")))
			fair = locker.NewFailoverLocker(fair, named, breaker, logger.With(zap.String("lock", "fair")))
		}
		c.Lock = mutex
		c.FairLock = fair
	default:
		return guard.Coordinators{}, nil, errors.New("unknown coordination strategy " + cfg.Coordination.Strategy)
	}

	return c, c.Lock, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/broadcast-engine/internal/audience"
	"github.com/kursadbilgin/broadcast-engine/internal/config"
	"github.com/kursadbilgin/broadcast-engine/internal/handler"
	"github.com/kursadbilgin/broadcast-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/broadcast-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/broadcast-engine/internal/infra/redis"
	"github.com/kursadbilgin/broadcast-engine/internal/observability"
	"github.com/kursadbilgin/broadcast-engine/internal/provider"
	"github.com/kursadbilgin/broadcast-engine/internal/queue"
	"github.com/kursadbilgin/broadcast-engine/internal/ratelimit"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"github.com/kursadbilgin/broadcast-engine/internal/service"
	"github.com/kursadbilgin/broadcast-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}
	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	publisher := queue.NewRabbitMQPublisher(rabbit)
	defer publisher.Close()
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.QueuePrefetch, logger.Named("consumer"))
	defer consumer.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}

	// Redis shares one send budget across worker replicas; without it each replica limits locally.
	var limiter ratelimit.RateLimiter
	if rdb != nil {
		defer rdb.Close()
		limiter, err = infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			logger.Fatal("redis rate limiter initialization failed", zap.Error(err))
		}
	} else {
		logger.Warn("REDIS_URL not set, using in-process rate limiter")
		limiter = ratelimit.NewLocalRateLimiter(cfg.RateLimitPerSec)
	}

	resolver, err := audience.NewHTTPResolver(cfg.AudienceServiceURL)
	if err != nil {
		logger.Fatal("audience resolver initialization failed", zap.Error(err))
	}
	chat, err := provider.NewChatAdapterProvider(cfg.ChatAdapterURL)
	if err != nil {
		logger.Fatal("chat adapter initialization failed", zap.Error(err))
	}

	notifications := repository.NewGormNotificationStore(db)
	results := repository.NewGormRecipientResultStore(db)
	attempts := repository.NewGormAttemptRepo(db)
	metrics := observability.NewMetrics()

	scheduler, err := service.NewSendScheduler(notifications, results, publisher, service.SendSchedulerConfig{
		CronSpec:           cfg.SchedulerCron,
		ForceCompleteDelay: cfg.ForceCompleteDelay(),
		ReconcileGrace:     cfg.ReconcileGrace(),
		StoreTimeout:       cfg.StoreTimeout(),
	}, logger.Named("scheduler"))
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}
	scheduler.SetMetrics(metrics)

	worker, err := service.NewDispatchWorker(
		notifications,
		results,
		attempts,
		resolver,
		consumer,
		publisher,
		chat,
		limiter,
		service.DispatchWorkerConfig{
			Concurrency:     cfg.WorkerConcurrency,
			SendConcurrency: cfg.DispatchSendConcurrency,
			StoreTimeout:    cfg.StoreTimeout(),
		},
		logger.Named("dispatch"),
	)
	if err != nil {
		logger.Fatal("dispatch worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(metrics)

	aggregator, err := service.NewCompletionAggregator(
		notifications,
		repository.NewGormTransactor(db),
		consumer,
		service.CompletionAggregatorConfig{
			Concurrency:  cfg.AggregatorConcurrency,
			MaxRetries:   cfg.CounterUpdateMaxRetries,
			StoreTimeout: cfg.StoreTimeout(),
		},
		logger.Named("aggregator"),
	)
	if err != nil {
		logger.Fatal("completion aggregator initialization failed", zap.Error(err))
	}
	aggregator.SetMetrics(metrics)

	ops := fiber.New(fiber.Config{
		AppName:               "broadcast-engine-worker",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	ops.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(ops,
		handler.PostgresCheck(sqlDB),
		handler.RedisCheck(rdb),
		handler.Check{Name: "rabbitmq", Ping: rabbit.Ping},
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Start(gctx) })
	g.Go(func() error { return worker.Start(gctx) })
	g.Go(func() error { return aggregator.Start(gctx) })
	g.Go(func() error {
		return ops.Listen(fmt.Sprintf(":%d", cfg.MetricsPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		return ops.ShutdownWithTimeout(shutdownTimeout)
	})

	logger.Info("broadcast-engine worker started",
		zap.String("cron", cfg.SchedulerCron),
		zap.Int("metricsPort", cfg.MetricsPort),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
	}
	logger.Info("broadcast-engine worker stopped")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailhook/internal/api"
	"github.com/lalithlochan/mailhook/internal/config"
	"github.com/lalithlochan/mailhook/internal/db"
	"github.com/lalithlochan/mailhook/internal/delivery"
	"github.com/lalithlochan/mailhook/internal/objectstore"
	"github.com/lalithlochan/mailhook/internal/observ"
	"github.com/lalithlochan/mailhook/internal/pipeline"
	"github.com/lalithlochan/mailhook/internal/reconcile"
	"github.com/lalithlochan/mailhook/internal/redis"
	"github.com/lalithlochan/mailhook/internal/ses"
	"github.com/lalithlochan/mailhook/internal/sns"
	"github.com/lalithlochan/mailhook/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting mailhook gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// Database
	database, err := db.New(ctx, db.Config{
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		Database:        cfg.DBName,
		SSLMode:         cfg.DBSSLMode,
		ApplicationName: "mailhook-gateway",
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if cfg.AutoMigrate {
		res, err := db.Migrate(ctx, database.Pool(), logger)
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("database migrated",
			zap.Int("applied", res.Applied),
			zap.Int("skipped", res.Skipped),
		)
	}

	emails := db.NewInboundRepository(database.Pool(), logger)
	subscriptions := db.NewSubscriptionRepository(database.Pool(), logger)
	deliveries := db.NewDeliveryRepository(database.Pool(), logger)

	// Redis is optional: without it there is no ingest guard, no
	// cross-replica reconcile lock and no admin rate limiting.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, ingest guard and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		defer redisClient.Close()
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  300,
			Window: time.Minute,
		})
	}

	// AWS
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	objects := objectstore.NewFromConfig(awsCfg, logger)

	bucket, prefix := cfg.InboundBucket, cfg.InboundPrefix
	if bucket == "" {
		target, err := ses.NewDiscoverer(awsCfg, logger).StorageTarget(ctx)
		if err != nil {
			logger.Warn("inbound bucket not configured and not discoverable, reconciliation disabled",
				zap.Error(err),
			)
		} else {
			bucket, prefix = target.Bucket, target.Prefix
			logger.Info("inbound bucket discovered from receipt rules",
				zap.String("rule_set", target.RuleSet),
				zap.String("rule", target.Rule),
				zap.String("bucket", bucket),
				zap.String("prefix", prefix),
			)
		}
	}

	// Delivery
	var alerts delivery.AlertPublisher
	if cfg.AlertTopicARN != "" {
		alerts = sns.NewPublisher(awsCfg, cfg.AlertTopicARN)
	}

	sender := delivery.NewSender(logger, delivery.SenderConfig{
		UserAgent: cfg.Pipeline.WebhookUserAgent,
	})
	dispatcher := delivery.NewDispatcher(subscriptions, deliveries, sender, alerts, delivery.Config{
		Concurrency:        cfg.Pipeline.DispatchConcurrency,
		MaxDeliveryTimeout: cfg.Pipeline.MaxDeliveryTimeout,
	}, logger)

	// Ingestion
	var pipelineOpts []pipeline.Option
	if redisClient != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithGuard(redis.NewIngestGuard(redisClient, logger)))
	}
	pipe := pipeline.New(
		emails,
		objects,
		dispatcher,
		sns.NewConfirmer(cfg.ConfirmHostSuffix, logger),
		pipeline.Config{Bucket: bucket, Prefix: prefix},
		logger,
		pipelineOpts...,
	)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	deps := api.Deps{
		Ingestor:      pipe,
		Emails:        emails,
		Subscriptions: subscriptions,
		Deliveries:    deliveries,
		Confirmer:     dispatcher,
		HealthChecks: map[string]api.HealthCheck{
			"postgres": database.Health,
		},
	}
	if redisClient != nil {
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	if bucket != "" {
		recOpts := []reconcile.Option{reconcile.WithPendingRetry(emails)}
		if redisClient != nil {
			recOpts = append(recOpts, reconcile.WithLocker(redis.NewLocker(redisClient, logger)))
		}
		reconciler := reconcile.New(objects, emails, pipe, reconcile.Config{
			Bucket:   bucket,
			Prefix:   prefix,
			Interval: cfg.Pipeline.ReconcileInterval,
			MaxKeys:  cfg.Pipeline.ReconcileMaxKeys,
			LockTTL:  cfg.Pipeline.ReconcileLockTTL,

			PendingGrace: cfg.Pipeline.ReconcilePendingGrace,
		}, logger, recOpts...)
		deps.Reconciler = reconciler

		if cfg.Pipeline.ReconcileEnabled {
			go reconciler.Start(bgCtx)
		}
	}

	if cfg.SQSQueueURL != "" {
		consumer := sqs.NewConsumer(awsCfg, sqs.Config{QueueURL: cfg.SQSQueueURL}, logger)
		go consumer.Run(bgCtx, func(ctx context.Context, body []byte) error {
			res := pipe.HandleQueueMessage(ctx, body)
			if res.Status == pipeline.StatusError {
				return errors.New(res.Message)
			}
			return nil
		})
		logger.Info("sqs consumer started", zap.String("queue_url", cfg.SQSQueueURL))
	}

	handler := api.NewHandler(logger, deps, api.Config{
		MaxInboundBodyBytes:    cfg.Pipeline.MaxInboundBodyBytes,
		DefaultMaxRetries:      cfg.Pipeline.DefaultMaxRetries,
		DefaultDeliveryTimeout: cfg.Pipeline.DefaultDeliveryTimeout,
	})

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, rateLimiter, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		bgCancel()

		// Background deliveries started by push ingestion finish before the
		// pool closes.
		if err := pipe.Drain(ctx); err != nil {
			logger.Warn("pending deliveries did not finish", zap.Error(err))
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

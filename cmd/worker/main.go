package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ingest-orchestrator/internal/archive"
	"ingest-orchestrator/internal/collab"
	"ingest-orchestrator/internal/config"
	"ingest-orchestrator/internal/deadletter"
	"ingest-orchestrator/internal/events"
	"ingest-orchestrator/internal/models"
	"ingest-orchestrator/internal/pipeline"
	"ingest-orchestrator/internal/queue"
	"ingest-orchestrator/internal/retry"
	"ingest-orchestrator/internal/scheduler"
	"ingest-orchestrator/internal/store"
	"ingest-orchestrator/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := newLogger(cfg.Env)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	priorities := []string{models.PriorityHigh, models.PriorityNormal, models.PriorityLow}
	q := queue.NewRedisQueue(rdb, priorities, cfg.VisibilityTimeout)

	publisher := events.NewPublisher(st, rdb, cfg.EventChannel, logger)

	clients := collab.NewHTTPClients(cfg.ScraperURL, cfg.NLPURL, cfg.OCRURL, cfg.IndexerURL, cfg.CollabCallTimeout)
	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init archive", zap.Error(err))
	}
	prep := archive.NewPreprocessor(archiver, cfg.CollabCallTimeout)

	pipe := pipeline.New(st, publisher, clients, archiver, prep, pipeline.Timeouts{
		Fetch:   cfg.FetchStageTimeout,
		Enrich:  cfg.EnrichStageTimeout,
		Persist: cfg.PersistStageTimeout,
	}, logger)

	runner, err := scheduler.NewRunner(st, q, pipe, publisher, retry.NewPolicy(cfg.MaxRetries), scheduler.Options{
		PollInterval: cfg.WorkerPollInterval,
		Visibility:   cfg.VisibilityTimeout,
		BatchSize:    int64(cfg.ScheduledBatchSize),
		Concurrency: map[string]int{
			models.PriorityHigh:   cfg.Tier(models.PriorityHigh).Concurrency,
			models.PriorityNormal: cfg.Tier(models.PriorityNormal).Concurrency,
			models.PriorityLow:    cfg.Tier(models.PriorityLow).Concurrency,
		},
	}, logger)
	if err != nil {
		logger.Fatal("init runner", zap.Error(err))
	}

	sink := deadletter.New(st, q, publisher, cfg.DeadLetterRetention, int64(cfg.DeadLetterAlertDepth), logger)
	go sink.RunSweeper(ctx, cfg.DeadLetterSweep)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
		zap.Int("max_retries", cfg.MaxRetries))
	runner.Run(ctx)
	logger.Info("worker stopped")
}

func newLogger(env string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if env == "dev" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	return logger
}

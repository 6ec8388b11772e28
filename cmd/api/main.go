package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ingest-orchestrator/internal/api"
	"ingest-orchestrator/internal/config"
	"ingest-orchestrator/internal/deadletter"
	"ingest-orchestrator/internal/events"
	"ingest-orchestrator/internal/models"
	"ingest-orchestrator/internal/queue"
	"ingest-orchestrator/internal/ratelimit"
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

	limiter := ratelimit.New(rdb, map[string]int{
		models.PriorityLow:    cfg.LowRPM,
		models.PriorityNormal: cfg.NormalRPM,
		models.PriorityHigh:   cfg.HighRPM,
	}, time.Hour)

	publisher := events.NewPublisher(st, rdb, cfg.EventChannel, logger)
	broker := events.NewBroker(rdb, st, cfg.EventChannel, cfg.SubscriberBuffer, logger)
	go func() {
		if err := broker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event broker stopped", zap.Error(err))
		}
	}()

	sink := deadletter.New(st, q, publisher, cfg.DeadLetterRetention, int64(cfg.DeadLetterAlertDepth), logger)
	intake := scheduler.NewIntake(st, q, limiter, publisher, cfg.MaxItemsPerRequest, cfg.MaxRetries, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	server := api.NewServer(intake, st, q, sink, broker, cfg.HeartbeatInterval, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
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

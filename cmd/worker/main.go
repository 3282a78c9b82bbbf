package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ads-marketplace/dealflow/internal/config"
	"github.com/ads-marketplace/dealflow/internal/db"
	"github.com/ads-marketplace/dealflow/internal/worker"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	svc, err := worker.Build(ctx, cfg, pool, rdb, log)
	if err != nil {
		log.Fatal("failed to build services", zap.Error(err))
	}

	log.Info("worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("sweep_interval", cfg.SweepInterval),
	)
	runner := worker.NewRunner(svc.Queue, svc.Sweeper, cfg.SweepInterval, log)
	if err := runner.Run(ctx); err != nil {
		log.Fatal("worker stopped", zap.Error(err))
	}
	log.Info("worker stopped")
}

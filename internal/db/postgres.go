package db

import (
	"context"
	"time"

	"github.com/ads-marketplace/dealflow/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// NewPostgresPool opens the pool and waits for the database to answer.
func NewPostgresPool(ctx context.Context, cfg *config.Config, log *zap.Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	if cfg.PostgresMaxConns > 0 {
		pcfg.MaxConns = int32(cfg.PostgresMaxConns)
	}
	if cfg.PostgresMinConns > 0 && int32(cfg.PostgresMinConns) <= pcfg.MaxConns {
		pcfg.MinConns = int32(cfg.PostgresMinConns)
	}
	pcfg.MaxConnLifetime = 30 * time.Minute
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := retry(ctx, "postgres", cfg.ConnectAttempts, cfg.ConnectBackoff, pool.Ping, log); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("postgres pool created",
		zap.String("host", pcfg.ConnConfig.Host),
		zap.Int32("max_conns", pcfg.MaxConns),
		zap.Int32("min_conns", pcfg.MinConns),
	)
	return pool, nil
}

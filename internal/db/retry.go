package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// retry calls ping until it succeeds, doubling the wait between attempts.
func retry(ctx context.Context, name string, attempts int, backoff time.Duration, ping func(context.Context) error, log *zap.Logger) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		log.Warn("connection not ready, retrying",
			zap.String("service", name),
			zap.Int("attempt", i),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%s unreachable after %d attempts: %w", name, attempts, err)
}

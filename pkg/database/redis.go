package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/config"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/retry"
)

// NewRedisClient connects the client backing the per-scope generation lock.
// It returns nil, nil when no host is configured; callers then lock in-process.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg.Host == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		ClientName:  DefaultApplicationName,
		DialTimeout: 5 * time.Second,
	})

	if err := retry.DoIfRetryable(ctx, nil, func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return client, nil
}

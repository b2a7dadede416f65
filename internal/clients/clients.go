// Package clients constructs the external service clients exactly once per
// process and passes them into component constructors. No package holds
// mutable client state of its own.
package clients

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/carelink/vaxbatch/internal/config"
	"github.com/carelink/vaxbatch/internal/database"
	"github.com/carelink/vaxbatch/internal/s3storage"
)

// Clients bundles every external connection a worker can need.
type Clients struct {
	Pool    *pgxpool.Pool
	Storage *s3storage.Storage
	Redis   *redis.Client
	Asynq   *asynq.Client
}

// New connects everything and bootstraps schema and buckets.
func New(ctx context.Context, cfg *config.Config) (*Clients, error) {
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	store, err := s3storage.New(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &Clients{
		Pool:    pool,
		Storage: store,
		Redis:   redisClient,
		Asynq:   asynqClient,
	}, nil
}

// RedisOpt returns the asynq server connection options matching the client.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// Close releases every connection.
func (c *Clients) Close() {
	if c.Asynq != nil {
		_ = c.Asynq.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

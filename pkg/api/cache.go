package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CacheConfig holds configuration for the Redis-backed response cache.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// CacheService is a small JSON read-through cache for listing endpoints.
// A nil *CacheService is valid and disables caching.
type CacheService struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCacheService connects to Redis and verifies the connection.
func NewCacheService(ctx context.Context, cfg CacheConfig, logger zerolog.Logger) (*CacheService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}

	return &CacheService{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "CacheService").Logger(),
	}, nil
}

// Get unmarshals the cached value for key into dest. Returns an error on a
// miss or any Redis failure; callers fall back to the database either way.
func (c *CacheService) Get(ctx context.Context, key string, dest any) error {
	if c == nil {
		return redis.Nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Set stores value under key for the configured TTL. Failures are logged
// only; a broken cache must never break a read path.
func (c *CacheService) Set(ctx context.Context, key string, value any) {
	if c == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to marshal cache value")
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to set cache value")
	}
}

// Close releases the Redis connection.
func (c *CacheService) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisOptions configures the optional Redis connection. Redis only backs
// the distributed rate limiter; the service runs without it.
type RedisOptions struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
// Returns nil with no error when no URL is configured, so callers can treat
// the client as optional.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	if opts.URL == "" {
		return nil, nil
	}

	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	if opts.Password != "" {
		parsed.Password = opts.Password
	}
	if opts.DB > 0 {
		parsed.DB = opts.DB
	}
	if opts.PoolSize > 0 {
		parsed.PoolSize = opts.PoolSize
	}

	parsed.DialTimeout = 5 * time.Second
	parsed.ReadTimeout = 3 * time.Second
	parsed.WriteTimeout = 3 * time.Second
	parsed.PoolTimeout = 4 * time.Second

	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

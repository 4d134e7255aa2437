// Package cache provides the Redis-backed pieces of the gateway: the API key
// validation cache, in-flight admission reservations, and the per-IP token bucket.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options tunes the Redis connection pool. Zero fields take the defaults.
type Options struct {
	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = 20
	}
	if o.MinIdleConns <= 0 {
		o.MinIdleConns = 2
	}
	if o.PoolTimeout <= 0 {
		o.PoolTimeout = 4 * time.Second
	}
	if o.ConnMaxIdleTime <= 0 {
		o.ConnMaxIdleTime = 5 * time.Minute
	}
	return o
}

// Cache wraps the shared Redis client. Admission reservations, the key cache
// and the IP throttle all run on this one pool.
type Cache struct {
	client *redis.Client
}

// New connects with default pool options.
func New(ctx context.Context, redisURL string) (*Cache, error) {
	return NewWithOptions(ctx, redisURL, Options{})
}

// NewWithOptions parses redisURL, applies opts and verifies the connection.
func NewWithOptions(ctx context.Context, redisURL string, opts Options) (*Cache, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts = opts.withDefaults()
	parsed.PoolSize = opts.PoolSize
	parsed.MinIdleConns = opts.MinIdleConns
	parsed.PoolTimeout = opts.PoolTimeout
	parsed.ConnMaxIdleTime = opts.ConnMaxIdleTime

	client := redis.NewClient(parsed)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Ping checks Redis connectivity. It backs the readiness check.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Client returns the underlying Redis client for the call-log stream.
func (c *Cache) Client() *redis.Client {
	return c.client
}

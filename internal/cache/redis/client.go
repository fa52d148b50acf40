// Package redis backs the engine's fast-path concerns with go-redis/v9: the
// per-position mutation lock, the latest-quote cache the aggregator values
// open quantity against, and the lifecycle event bus.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Defaults applied when the configuration leaves sizing unset. Lock polling
// and quote writes are small, frequent commands; a modest pool with driver
// retries suits them better than a large one.
const (
	defaultPoolSize   = 8
	defaultMaxRetries = 3
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client wraps a go-redis Client shared by the lock manager, price cache,
// and signal bus.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with a ping. Zero-valued
// sizing fields fall back to the package defaults.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   poolSize,
		MaxRetries: maxRetries,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client for the implementations in this
// package.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}

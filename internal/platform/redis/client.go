// Package redis connects the shared backend of the hot-entry cache. Several relay instances
// pointed at one Redis see the same cached requests and the same invalidations.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"inboxrelay/internal/platform/config"
)

// Client is the cache backend connection.
type Client struct {
	*redis.Client
}

// New dials the cache backend and verifies it answers. A blank URL means the relay runs
// with its in-process cache, and New returns a nil Client.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse cache backend URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache backend unreachable: %w", err)
	}
	return &Client{Client: client}, nil
}

// Health reports whether cached requests can be read and invalidated. While it fails,
// lookups fall through to the store and deletions cannot evict shared entries.
func (c *Client) Health(ctx context.Context) error {
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache backend: %w", err)
	}
	return nil
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.Client.Close()
}

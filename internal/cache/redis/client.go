// Package redis holds the engine's Redis plumbing: the single-instance
// lock and the event stream producer.
package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/nexus-trading/heaven-engine/internal/errs"
)

type ClientConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Client wraps a go-redis client.
type Client struct {
	rdb *redis.Client
}

// New connects and pings. The connection is closed again if the ping fails.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.WrapErr(errs.ErrNetwork, err, "redis: ping "+cfg.Addr)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errs.WrapErr(errs.ErrNetwork, err, "redis: ping")
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw client.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}

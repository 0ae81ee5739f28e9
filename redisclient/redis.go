// Package redisclient owns the gateway's single Redis connection. The
// wrapper stays deliberately thin: subsystems that need Lua scripting or
// atomic multi-key operations (budget, dlq) take the raw client and own
// their keyspaces.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/latticeforge/gateway/config"
)

// Client wraps the shared *redis.Client.
type Client struct {
	c *redis.Client
}

// New parses cfg.RedisURL and builds the client. The connection is not
// probed here; call Ping to verify reachability.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Client{c: redis.NewClient(opt)}, nil
}

// Ping verifies the connection with a short deadline.
func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// Raw returns the underlying go-redis client for subsystems that need
// scripting or atomic operations beyond Ping.
func (r *Client) Raw() *redis.Client {
	return r.c
}

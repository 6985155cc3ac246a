// Package redis wraps go-redis for the optional shared token store and
// cross-process saga locks.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNil is returned by Get for a missing key
var ErrNil = redis.Nil

type Client struct {
	rdb    *redis.Client
	config *Config
}

type Config struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewClient connects and pings with a five second budget
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb, config: config}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Set stores a string or byte value with a TTL; zero TTL means no expiry
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	switch value.(type) {
	case string, []byte:
	default:
		return fmt.Errorf("unsupported value type %T", value)
	}
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns ErrNil when the key does not exist
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// TTL returns the remaining time to live of key
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}

// GoRedis exposes the underlying client for libraries that need it, such as redsync
func (c *Client) GoRedis() *redis.Client {
	return c.rdb
}

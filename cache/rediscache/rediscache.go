// Package rediscache is a cache.Cache backed by Redis, for hosts that run
// more than one process and want the cache tiers shared between them.
package rediscache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/handbuilt/gabridge/errors"
	"google.golang.org/grpc/codes"
)

// Config holds connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// Cache implements cache.Cache.
type Cache struct {
	rdb *redis.Client
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, config Config) (*Cache, error) {
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
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Codef(codes.Unavailable, "rediscache: failed to connect to %s: %w", config.Address, err)
	}
	return &Cache{rdb: rdb}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WrapPrefix(err, "rediscache: get", 0)
	}
	return data, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.WrapPrefix(err, "rediscache: set", 0)
	}
	return nil
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Package memcache is an in-process cache.Cache backed by go-cache.
package memcache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache implements cache.Cache.
type Cache struct {
	c *gocache.Cache
}

// New returns an empty cache that purges expired entries every
// cleanupInterval.
func New(cleanupInterval time.Duration) *Cache {
	return &Cache{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	data, _ := v.([]byte)
	return data, true, nil
}

func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	c.c.Set(key, append([]byte{}, value...), ttl)
	return nil
}

// Flush removes every entry.
func (c *Cache) Flush() {
	c.c.Flush()
}

// Package memcache is the in-process cache driver: one size-bounded
// expirable LRU per namespace.
package memcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/overpasskit/landmark-webhook/internal/cache"
	"github.com/overpasskit/landmark-webhook/internal/observability"
)

type Cache struct {
	landmarks *expirable.LRU[string, []byte]
	requests  *expirable.LRU[string, []byte]
}

// New builds a cache with the given per-namespace capacity and write TTL.
// Zero or negative maxEntries falls back to 10000; zero TTL disables expiry.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Cache{
		landmarks: expirable.NewLRU[string, []byte](maxEntries, nil, ttl),
		requests:  expirable.NewLRU[string, []byte](maxEntries, nil, ttl),
	}
}

func (c *Cache) Get(_ context.Context, ns cache.Namespace, key string) ([]byte, bool) {
	lru := c.lru(ns)
	if lru == nil {
		return nil, false
	}
	v, ok := lru.Get(key)
	if ok {
		observability.IncCacheHit(string(ns))
	} else {
		observability.IncCacheMiss(string(ns))
	}
	return v, ok
}

func (c *Cache) Put(_ context.Context, ns cache.Namespace, key string, value []byte) {
	if lru := c.lru(ns); lru != nil {
		lru.Add(key, value)
	}
}

func (c *Cache) Evict(_ context.Context, ns cache.Namespace, key string) {
	if lru := c.lru(ns); lru != nil {
		lru.Remove(key)
	}
}

func (c *Cache) Clear(_ context.Context, ns cache.Namespace) {
	if lru := c.lru(ns); lru != nil {
		lru.Purge()
	}
}

func (c *Cache) lru(ns cache.Namespace) *expirable.LRU[string, []byte] {
	switch ns {
	case cache.Landmarks:
		return c.landmarks
	case cache.Requests:
		return c.requests
	}
	return nil
}

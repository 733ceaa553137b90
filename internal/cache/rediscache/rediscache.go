// Package rediscache is the Redis cache driver. Every operation fails open:
// transport errors are logged at warn, counted, and reported as a miss or
// no-op so the pipeline keeps serving from the store.
package rediscache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/cache"
	"github.com/overpasskit/landmark-webhook/internal/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Cache struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// New connects to Redis and pings once. An unreachable server is reported at
// warn and the cache is returned anyway; go-redis reconnects on its own and
// every operation degrades to a miss until then.
func New(ctx context.Context, addr string, ttl time.Duration, log zerolog.Logger, opts ...Option) (*Cache, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis unreachable, cache degraded to miss/no-op")
	}
	return &Cache{rdb: rdb, ttl: ttl, log: log}, nil
}

func (c *Cache) Get(ctx context.Context, ns cache.Namespace, key string) ([]byte, bool) {
	v, err := c.rdb.Get(ctx, nsKey(ns, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.warn("get", ns, key, err)
		}
		observability.IncCacheMiss(string(ns))
		return nil, false
	}
	observability.IncCacheHit(string(ns))
	return v, true
}

func (c *Cache) Put(ctx context.Context, ns cache.Namespace, key string, value []byte) {
	if err := c.rdb.Set(ctx, nsKey(ns, key), value, c.ttl).Err(); err != nil {
		c.warn("put", ns, key, err)
	}
}

func (c *Cache) Evict(ctx context.Context, ns cache.Namespace, key string) {
	if err := c.rdb.Del(ctx, nsKey(ns, key)).Err(); err != nil {
		c.warn("evict", ns, key, err)
	}
}

// Clear walks the namespace with SCAN and deletes in batches.
func (c *Cache) Clear(ctx context.Context, ns cache.Namespace) {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, string(ns)+":*", 512).Result()
		if err != nil {
			c.warn("clear", ns, "", err)
			return
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.warn("clear", ns, "", err)
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

func (c *Cache) warn(op string, ns cache.Namespace, key string, err error) {
	observability.IncCacheError(op)
	c.log.Warn().Err(err).
		Str("op", op).
		Str("namespace", string(ns)).
		Str("key", key).
		Msg("cache degraded")
}

func nsKey(ns cache.Namespace, key string) string {
	return string(ns) + ":" + key
}

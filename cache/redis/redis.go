// Package redis implements cache.Cache on Redis so that every gateway
// instance of a deployment shares presence, rate-limit and session state.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skilder-ai/toolgate/cache"
)

// Cache is a cache.Cache backed by Redis.
type Cache struct {
	rdb *redis.Client
}

var (
	// incrScript increments a counter and sets its expiry when the counter is
	// created (or has somehow lost its TTL). It returns the count and the
	// remaining TTL in milliseconds.
	incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if c == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

	// casScript replaces the value only if it currently equals ARGV[1].
	casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur ~= ARGV[1] then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

	globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
)

// New returns a Cache using rdb. The caller owns rdb.
func New(rdb *redis.Client) (*Cache, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Cache{rdb: rdb}, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return b, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (c *Cache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

func (c *Cache) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, c.rdb, []string{key}, prev, next, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis cas %q: %w", key, err)
	}
	return n == 1, nil
}

func (c *Cache) Incr(ctx context.Context, key string, window time.Duration) (cache.Counter, error) {
	res, err := incrScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return cache.Counter{}, fmt.Errorf("redis incr %q: %w", key, err)
	}
	if len(res) != 2 {
		return cache.Counter{}, fmt.Errorf("redis incr %q: unexpected reply %v", key, res)
	}
	return cache.Counter{
		Count:     res[0],
		ExpiresAt: time.Now().Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (c *Cache) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
		seen   = make(map[string]struct{})
	)
	match := globEscaper.Replace(prefix) + "*"
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
		}
		// SCAN may return a key more than once.
		for _, k := range batch {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

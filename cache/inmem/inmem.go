// Package inmem provides a process-local cache.Cache. It is correct for a
// single gateway instance only.
package inmem

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skilder-ai/toolgate/cache"
)

type (
	// Cache is a mutex-guarded map with lazy expiry.
	Cache struct {
		mu      sync.Mutex
		entries map[string]entry
		now     func() time.Time
	}

	entry struct {
		value     []byte
		expiresAt time.Time
	}

	// Option configures a Cache.
	Option func(*Cache)
)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{entries: make(map[string]entry), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return nil, cache.ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = c.newEntry(value, ttl)
	return nil
}

func (c *Cache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookup(key); ok {
		return false, nil
	}
	c.entries[key] = c.newEntry(value, ttl)
	return true, nil
}

func (c *Cache) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok || !bytes.Equal(e.value, prev) {
		return false, nil
	}
	c.entries[key] = c.newEntry(next, ttl)
	return true, nil
}

func (c *Cache) Incr(ctx context.Context, key string, window time.Duration) (cache.Counter, error) {
	if err := ctx.Err(); err != nil {
		return cache.Counter{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		e = c.newEntry([]byte("0"), window)
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return cache.Counter{}, err
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	c.entries[key] = e
	return cache.Counter{Count: n, ExpiresAt: e.expiresAt}, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *Cache) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for k := range c.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := c.lookup(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// lookup returns the live entry at key, evicting it if expired. c.mu must be
// held.
func (c *Cache) lookup(key string) (entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return entry{}, false
	}
	return e, true
}

func (c *Cache) newEntry(value []byte, ttl time.Duration) entry {
	e := entry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	return e
}

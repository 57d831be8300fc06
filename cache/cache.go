// Package cache defines KeyedCache, the shared TTL-bearing key-value store
// behind presence, rate limiting, session state and the live runtime
// registry. Backends live in sub-packages: redis for deployments with more
// than one gateway instance, inmem for single-process use and tests.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/skilder-ai/toolgate/tenancy"
)

type (
	// Cache is the KeyedCache contract. A zero TTL means the entry does not
	// expire.
	Cache interface {
		// Get returns the value stored at key or ErrNotFound.
		Get(ctx context.Context, key string) ([]byte, error)
		// Set stores value at key unconditionally.
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		// SetNX stores value only if key is absent and reports whether it did.
		SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
		// CompareAndSwap replaces the value at key with next only if the current
		// value equals prev. It reports false when the key is absent or holds a
		// different value.
		CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)
		// Incr atomically increments the counter at key. A counter created by
		// the call expires after window; later increments keep that expiry.
		Incr(ctx context.Context, key string, window time.Duration) (Counter, error)
		// Delete removes key. Deleting an absent key is not an error.
		Delete(ctx context.Context, key string) error
		// Keys lists the keys that start with prefix.
		Keys(ctx context.Context, prefix string) ([]string, error)
	}

	// Counter is the state of a windowed counter after an increment.
	Counter struct {
		Count     int64
		ExpiresAt time.Time
	}

	// Bucket is a named, tenant-partitioned view of a Cache with a default
	// TTL. Buckets with different names never share keys.
	Bucket struct {
		name  string
		ttl   time.Duration
		cache Cache
	}
)

// Bucket names.
const (
	BucketRateLimit   = "ratelimit"
	BucketPresence    = "presence"
	BucketSession     = "session"
	BucketRuntime     = "runtime"
	BucketRuntimeName = "runtime-name"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("cache: key not found")
	// ErrConflict is returned when an optimistic update keeps losing races.
	ErrConflict = errors.New("cache: conflicting update")
)

// NewBucket returns the bucket name of c whose entries default to ttl.
func NewBucket(c Cache, name string, ttl time.Duration) *Bucket {
	return &Bucket{name: name, ttl: ttl, cache: c}
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// TTL returns the default TTL of the bucket.
func (b *Bucket) TTL() time.Duration { return b.ttl }

// Key returns the full cache key of id for scope.
func (b *Bucket) Key(scope tenancy.Scope, id ...string) string {
	return scope.CacheKey(b.name, id...)
}

func (b *Bucket) Get(ctx context.Context, scope tenancy.Scope, id string) ([]byte, error) {
	return b.cache.Get(ctx, b.Key(scope, id))
}

func (b *Bucket) Set(ctx context.Context, scope tenancy.Scope, id string, value []byte) error {
	return b.cache.Set(ctx, b.Key(scope, id), value, b.ttl)
}

func (b *Bucket) SetNX(ctx context.Context, scope tenancy.Scope, id string, value []byte) (bool, error) {
	return b.cache.SetNX(ctx, b.Key(scope, id), value, b.ttl)
}

func (b *Bucket) CompareAndSwap(ctx context.Context, scope tenancy.Scope, id string, prev, next []byte) (bool, error) {
	return b.cache.CompareAndSwap(ctx, b.Key(scope, id), prev, next, b.ttl)
}

// Incr increments the counter id using the bucket TTL as the window.
func (b *Bucket) Incr(ctx context.Context, scope tenancy.Scope, id string) (Counter, error) {
	return b.cache.Incr(ctx, b.Key(scope, id), b.ttl)
}

func (b *Bucket) Delete(ctx context.Context, scope tenancy.Scope, id string) error {
	return b.cache.Delete(ctx, b.Key(scope, id))
}

// IDs lists the ids stored in the bucket for scope.
func (b *Bucket) IDs(ctx context.Context, scope tenancy.Scope) ([]string, error) {
	prefix := scope.CachePrefix(b.name)
	keys, err := b.cache.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		id := tenancy.Unescape(strings.TrimPrefix(k, prefix))
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// Tenants lists the tenants that have at least one entry in the bucket.
func (b *Bucket) Tenants(ctx context.Context) ([]string, error) {
	keys, err := b.cache.Keys(ctx, tenancy.Escape(b.name)+":")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var tenants []string
	for _, k := range keys {
		tokens := tenancy.SplitKey(k)
		if len(tokens) < 2 {
			continue
		}
		if _, ok := seen[tokens[1]]; ok {
			continue
		}
		seen[tokens[1]] = struct{}{}
		tenants = append(tenants, tokens[1])
	}
	return tenants, nil
}

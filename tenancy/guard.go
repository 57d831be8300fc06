package tenancy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/skilder-ai/toolgate"
)

type (
	// Identity is the result of resolving a credential.
	Identity struct {
		Scope Scope
		Kind  CredentialKind
		// SkillID is set for skill keys.
		SkillID string
	}

	// Resolver looks up the identity bound to a key.
	Resolver interface {
		Resolve(ctx context.Context, key string) (Identity, error)
	}

	// Guard resolves credentials through a Resolver and caches positive
	// results. Unknown keys are never cached so a newly issued key is usable
	// immediately.
	Guard struct {
		resolver Resolver
		cache    *expirable.LRU[string, Identity]
	}

	// GuardOption configures a Guard.
	GuardOption func(*guardOptions)

	guardOptions struct {
		size int
		ttl  time.Duration
	}

	// StaticResolver resolves keys from an in-memory table.
	StaticResolver struct {
		mu   sync.RWMutex
		keys map[string]Identity
	}
)

// ErrUnknownKey is returned by resolvers for keys they do not know.
var ErrUnknownKey = errors.New("unknown key")

// WithCacheSize bounds the number of cached identities.
func WithCacheSize(n int) GuardOption {
	return func(o *guardOptions) { o.size = n }
}

// WithCacheTTL bounds how long a resolved identity is reused before the
// resolver is consulted again.
func WithCacheTTL(ttl time.Duration) GuardOption {
	return func(o *guardOptions) { o.ttl = ttl }
}

// NewGuard returns a Guard over resolver.
func NewGuard(resolver Resolver, opts ...GuardOption) *Guard {
	o := guardOptions{size: 1024, ttl: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	return &Guard{
		resolver: resolver,
		cache:    expirable.NewLRU[string, Identity](o.size, nil, o.ttl),
	}
}

// Resolve returns the identity bound to key or an auth_rejected error.
func (g *Guard) Resolve(ctx context.Context, key string) (Identity, error) {
	if key == "" {
		return Identity{}, toolgate.MakeAuthRejected(errors.New("missing credential"))
	}
	if id, ok := g.cache.Get(key); ok {
		return id, nil
	}
	id, err := g.resolver.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return Identity{}, toolgate.MakeAuthRejected(err)
		}
		return Identity{}, fmt.Errorf("resolve credential: %w", err)
	}
	if id.Scope.IsZero() {
		return Identity{}, toolgate.MakeAuthRejected(errEmptyTenant)
	}
	g.cache.Add(key, id)
	return id, nil
}

// Revoke forgets any cached identity for key.
func (g *Guard) Revoke(key string) {
	g.cache.Remove(key)
}

// NewStaticResolver returns an empty StaticResolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{keys: make(map[string]Identity)}
}

// AddWorkspaceKey binds a workspace key to tenant.
func (r *StaticResolver) AddWorkspaceKey(key, tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key] = Identity{Scope: Scope{Tenant: tenant}, Kind: KindWorkspace}
}

// AddSkillKey binds a skill key to a skill of tenant.
func (r *StaticResolver) AddSkillKey(key, tenant, skillID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key] = Identity{Scope: Scope{Tenant: tenant}, Kind: KindSkill, SkillID: skillID}
}

// Remove unbinds key.
func (r *StaticResolver) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
}

func (r *StaticResolver) Resolve(ctx context.Context, key string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.keys[key]
	if !ok {
		return Identity{}, ErrUnknownKey
	}
	return id, nil
}

// Package memory provides an in-memory store.Store for single-process use and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skilder-ai/toolgate/store"
)

// Store is an in-memory store.Store. Records are copied on the way in and
// out so callers never share memory with the store.
type Store struct {
	mu        sync.RWMutex
	runtimes  map[key]store.Runtime
	providers map[key]store.ToolProvider
	tools     map[key]store.Tool
	calls     map[key]store.ToolCall
	skills    map[key]store.Skill
	now       func() time.Time
}

type key struct{ tenant, id string }

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		runtimes:  make(map[key]store.Runtime),
		providers: make(map[key]store.ToolProvider),
		tools:     make(map[key]store.Tool),
		calls:     make(map[key]store.ToolCall),
		skills:    make(map[key]store.Skill),
		now:       time.Now,
	}
}

func (s *Store) SaveRuntime(ctx context.Context, r *store.Runtime) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[key{r.Tenant, r.ID}] = *r
	return nil
}

func (s *Store) GetRuntime(ctx context.Context, tenant, id string) (*store.Runtime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runtimes[key{tenant, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListRuntimes(ctx context.Context, tenant string) ([]*store.Runtime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Runtime
	for k, r := range s.runtimes {
		if k.tenant == tenant {
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveProvider(ctx context.Context, p *store.ToolProvider) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[key{p.Tenant, p.ID}] = *p
	return nil
}

func (s *Store) GetProvider(ctx context.Context, tenant, id string) (*store.ToolProvider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[key{tenant, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListProviders(ctx context.Context, tenant string) ([]*store.ToolProvider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.ToolProvider
	for k, p := range s.providers {
		if k.tenant == tenant {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ReconcileTools(ctx context.Context, tenant, providerID string, discovered []*store.Tool) (store.Reconciliation, error) {
	if err := ctx.Err(); err != nil {
		return store.Reconciliation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.listToolsLocked(tenant, providerID)
	changed, rec := store.Reconcile(existing, store.Claim(tenant, providerID, discovered), s.now())
	for _, t := range changed {
		s.tools[key{tenant, t.ID}] = *t
	}
	return rec, nil
}

func (s *Store) ListTools(ctx context.Context, tenant, providerID string) ([]*store.Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listToolsLocked(tenant, providerID), nil
}

func (s *Store) listToolsLocked(tenant, providerID string) []*store.Tool {
	var out []*store.Tool
	for k, t := range s.tools {
		if k.tenant == tenant && t.ProviderID == providerID {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) CreateToolCall(ctx context.Context, c *store.ToolCall) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{c.Tenant, c.ID}
	if _, ok := s.calls[k]; ok {
		return store.ErrExists
	}
	s.calls[k] = *c
	return nil
}

func (s *Store) CompleteToolCall(ctx context.Context, done *store.ToolCall) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidateCompletion(done); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{done.Tenant, done.ID}
	c, ok := s.calls[k]
	if !ok {
		return store.ErrNotFound
	}
	if c.Status != store.CallPending {
		return store.ErrAlreadyTerminal
	}
	store.ApplyCompletion(&c, done)
	s.calls[k] = c
	return nil
}

func (s *Store) GetToolCall(ctx context.Context, tenant, id string) (*store.ToolCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[key{tenant, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateSkill(ctx context.Context, sk *store.Skill) (*store.Skill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, existing := range s.skills {
		if k.tenant == sk.Tenant && existing.Name == sk.Name {
			return &existing, nil
		}
	}
	created := *sk
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	s.skills[key{created.Tenant, created.ID}] = created
	return &created, nil
}

func (s *Store) GetSkill(ctx context.Context, tenant, id string) (*store.Skill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sk, ok := s.skills[key{tenant, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sk, nil
}

func (s *Store) FindSkill(ctx context.Context, tenant, name string) (*store.Skill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, sk := range s.skills {
		if k.tenant == tenant && sk.Name == name {
			return &sk, nil
		}
	}
	return nil, store.ErrNotFound
}

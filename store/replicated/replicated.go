// Package replicated implements store.Store on a Pulse replicated map so that
// every gateway instance of a deployment reads the same catalog without a
// database. Each record is a JSON document under a key built from its kind,
// tenant and ID.
package replicated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/tenancy"
)

type (
	// Map is the subset of rmap.Map used by the store.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
	}

	// Store is a store.Store over a replicated map.
	Store struct {
		m   Map
		now func() time.Time
	}
)

const (
	kindRuntime   = "runtime"
	kindProvider  = "provider"
	kindTool      = "tool"
	kindCall      = "call"
	kindSkill     = "skill"
	kindSkillName = "skill-name"

	maxCASAttempts = 16
)

var _ store.Store = (*Store)(nil)

// New returns a Store over m.
func New(m Map) *Store {
	return &Store{m: m, now: time.Now}
}

func recordKey(kind, tenant, id string) string {
	return kind + ":" + tenancy.Escape(tenant) + ":" + tenancy.Escape(id)
}

func recordPrefix(kind, tenant string) string {
	return kind + ":" + tenancy.Escape(tenant) + ":"
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := s.m.Set(ctx, key, string(b)); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(key string, v any) error {
	val, ok := s.m.Get(key)
	if !ok {
		return store.ErrNotFound
	}
	if err := json.Unmarshal([]byte(val), v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// scan decodes every record under prefix into a fresh T.
func scan[T any](s *Store, prefix string, keep func(*T) bool) ([]*T, error) {
	var out []*T
	for _, k := range s.m.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		var v T
		if err := s.get(k, &v); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if keep == nil || keep(&v) {
			out = append(out, &v)
		}
	}
	return out, nil
}

func (s *Store) SaveRuntime(ctx context.Context, r *store.Runtime) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.put(ctx, recordKey(kindRuntime, r.Tenant, r.ID), r)
}

func (s *Store) GetRuntime(ctx context.Context, tenant, id string) (*store.Runtime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var r store.Runtime
	if err := s.get(recordKey(kindRuntime, tenant, id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListRuntimes(ctx context.Context, tenant string) ([]*store.Runtime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := scan[store.Runtime](s, recordPrefix(kindRuntime, tenant), nil)
	if err != nil {
		return nil, err
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
	return s.put(ctx, recordKey(kindProvider, p.Tenant, p.ID), p)
}

func (s *Store) GetProvider(ctx context.Context, tenant, id string) (*store.ToolProvider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var p store.ToolProvider
	if err := s.get(recordKey(kindProvider, tenant, id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProviders(ctx context.Context, tenant string) ([]*store.ToolProvider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := scan[store.ToolProvider](s, recordPrefix(kindProvider, tenant), nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ReconcileTools(ctx context.Context, tenant, providerID string, discovered []*store.Tool) (store.Reconciliation, error) {
	existing, err := s.ListTools(ctx, tenant, providerID)
	if err != nil {
		return store.Reconciliation{}, err
	}
	changed, rec := store.Reconcile(existing, store.Claim(tenant, providerID, discovered), s.now())
	for _, t := range changed {
		if err := s.put(ctx, recordKey(kindTool, tenant, t.ID), t); err != nil {
			return store.Reconciliation{}, err
		}
	}
	return rec, nil
}

func (s *Store) ListTools(ctx context.Context, tenant, providerID string) ([]*store.Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := scan(s, recordPrefix(kindTool, tenant), func(t *store.Tool) bool { return t.ProviderID == providerID })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateToolCall(ctx context.Context, c *store.ToolCall) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal tool call %q: %w", c.ID, err)
	}
	ok, err := s.m.SetIfNotExists(ctx, recordKey(kindCall, c.Tenant, c.ID), string(b))
	if err != nil {
		return fmt.Errorf("store tool call %q: %w", c.ID, err)
	}
	if !ok {
		return store.ErrExists
	}
	return nil
}

// CompleteToolCall applies the terminal transition with test-and-set so
// that concurrent completions from different gateway instances cannot both
// succeed.
func (s *Store) CompleteToolCall(ctx context.Context, done *store.ToolCall) error {
	if err := store.ValidateCompletion(done); err != nil {
		return err
	}
	key := recordKey(kindCall, done.Tenant, done.ID)
	for range maxCASAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur, ok := s.m.Get(key)
		if !ok {
			return store.ErrNotFound
		}
		var c store.ToolCall
		if err := json.Unmarshal([]byte(cur), &c); err != nil {
			return fmt.Errorf("unmarshal tool call %q: %w", done.ID, err)
		}
		if c.Status != store.CallPending {
			return store.ErrAlreadyTerminal
		}
		store.ApplyCompletion(&c, done)
		next, err := json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("marshal tool call %q: %w", done.ID, err)
		}
		prev, err := s.m.TestAndSet(ctx, key, cur, string(next))
		if err != nil {
			return fmt.Errorf("complete tool call %q: %w", done.ID, err)
		}
		if prev == cur {
			return nil
		}
	}
	return fmt.Errorf("complete tool call %q: too many concurrent updates", done.ID)
}

func (s *Store) GetToolCall(ctx context.Context, tenant, id string) (*store.ToolCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var c store.ToolCall
	if err := s.get(recordKey(kindCall, tenant, id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateSkill claims the skill name first so that concurrent creations of
// the same name agree on one ID.
func (s *Store) CreateSkill(ctx context.Context, sk *store.Skill) (*store.Skill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	created := *sk
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	nameKey := recordKey(kindSkillName, created.Tenant, created.Name)
	ok, err := s.m.SetIfNotExists(ctx, nameKey, created.ID)
	if err != nil {
		return nil, fmt.Errorf("claim skill name %q: %w", created.Name, err)
	}
	if !ok {
		return s.FindSkill(ctx, created.Tenant, created.Name)
	}
	if err := s.put(ctx, recordKey(kindSkill, created.Tenant, created.ID), &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetSkill(ctx context.Context, tenant, id string) (*store.Skill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sk store.Skill
	if err := s.get(recordKey(kindSkill, tenant, id), &sk); err != nil {
		return nil, err
	}
	return &sk, nil
}

func (s *Store) FindSkill(ctx context.Context, tenant, name string) (*store.Skill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, ok := s.m.Get(recordKey(kindSkillName, tenant, name))
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetSkill(ctx, tenant, id)
}

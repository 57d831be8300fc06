// Package registry tracks the runtimes (worker processes) of every tenant:
// who they are, which tool providers they own, and whether they are
// reachable.
//
// The live registry state is held in the shared KeyedCache so that every
// gateway instance of a deployment sees the same runtimes:
//
//   - the runtime bucket holds one JSON record per runtime id
//   - the runtime-name bucket maps (tenant, name) to the runtime id and makes
//     announce idempotent
//   - the presence bucket holds a key per reachable runtime that expires
//     after the stale deadline
//
// Records are only mutated through compare-and-swap, so concurrent
// heartbeats and sweeps from different gateway instances resolve without
// locks: the losing writer re-reads or skips. The persistence collaborator
// receives a best-effort mirror of each record for display.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/cache"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/telemetry"
	"github.com/skilder-ai/toolgate/tenancy"
)

type (
	// Registry is the Runtime Registry.
	Registry struct {
		records   *cache.Bucket
		names     *cache.Bucket
		presence  *cache.Bucket
		store     store.Store
		deadline  time.Duration
		now       func() time.Time
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		maxUpdate int
	}

	// Options configures a Registry.
	Options struct {
		// Cache is the shared KeyedCache. Required.
		Cache cache.Cache
		// Store receives the mirrored runtime and provider records. Required.
		Store store.Store
		// StaleDeadline is how long a runtime stays ACTIVE without a
		// heartbeat. Defaults to DefaultStaleDeadline.
		StaleDeadline time.Duration
		// Now overrides the clock.
		Now func() time.Time
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Descriptor is what a runtime announces about itself.
	Descriptor struct {
		Name          string            `json:"name"`
		Kind          store.RuntimeKind `json:"kind"`
		Capabilities  []string          `json:"capabilities,omitempty"`
		HostIP        string            `json:"hostIP,omitempty"`
		Hostname      string            `json:"hostname,omitempty"`
		ProcessID     int               `json:"processId,omitempty"`
		DeclaredRoots []string          `json:"declaredRoots,omitempty"`
		// Providers lists the EDGE tool providers hosted by the runtime.
		Providers []ProviderSpec `json:"providers,omitempty"`
	}

	// ProviderSpec describes a tool provider hosted by an EDGE runtime.
	ProviderSpec struct {
		ID        string          `json:"id"`
		Transport store.Transport `json:"transport"`
		Config    json.RawMessage `json:"config,omitempty"`
	}

	// RuntimeRef identifies a runtime across tenants.
	RuntimeRef struct {
		Tenant string
		ID     string
	}
)

// DefaultStaleDeadline is the heartbeat deadline used when none is
// configured.
const DefaultStaleDeadline = 30 * time.Second

// New returns a Registry.
func New(opts Options) (*Registry, error) {
	if opts.Cache == nil {
		return nil, errors.New("registry: cache is required")
	}
	if opts.Store == nil {
		return nil, errors.New("registry: store is required")
	}
	deadline := opts.StaleDeadline
	if deadline <= 0 {
		deadline = DefaultStaleDeadline
	}
	r := &Registry{
		records:   cache.NewBucket(opts.Cache, cache.BucketRuntime, 0),
		names:     cache.NewBucket(opts.Cache, cache.BucketRuntimeName, 0),
		presence:  cache.NewBucket(opts.Cache, cache.BucketPresence, deadline),
		store:     opts.Store,
		deadline:  deadline,
		now:       opts.Now,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		maxUpdate: 32,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	return r, nil
}

// StaleDeadline returns the configured heartbeat deadline.
func (r *Registry) StaleDeadline() time.Duration { return r.deadline }

// Announce registers the runtime described by d and returns its id.
// Announcing the same (tenant, name) again returns the same id, refreshes the
// connection attributes and makes the runtime ACTIVE.
func (r *Registry) Announce(ctx context.Context, scope tenancy.Scope, d Descriptor) (string, error) {
	if scope.IsZero() {
		return "", toolgate.Errorf(toolgate.MakeAuthRejected, "missing tenant scope")
	}
	if d.Name == "" {
		return "", toolgate.Errorf(toolgate.MakeInvalidArguments, "runtime name is required")
	}
	if d.Kind == "" {
		d.Kind = store.KindEdge
	}
	id, err := r.claimName(ctx, scope, d.Name)
	if err != nil {
		return "", err
	}
	rec, err := r.update(ctx, scope, id, func(cur *store.Runtime) (*store.Runtime, error) {
		next := &store.Runtime{
			ID:            id,
			Tenant:        scope.Tenant,
			Name:          d.Name,
			Kind:          d.Kind,
			Lifecycle:     store.Active,
			Capabilities:  d.Capabilities,
			HostIP:        d.HostIP,
			Hostname:      d.Hostname,
			ProcessID:     d.ProcessID,
			LastSeenAt:    r.now().UTC(),
			DeclaredRoots: d.DeclaredRoots,
			Providers:     providerIDs(d.Providers),
			CreatedAt:     r.now().UTC(),
		}
		if cur != nil {
			next.CreatedAt = cur.CreatedAt
		}
		return next, nil
	})
	if err != nil {
		return "", err
	}
	if err := r.presence.Set(ctx, scope, id, []byte(rec.LastSeenAt.Format(time.RFC3339Nano))); err != nil {
		return "", fmt.Errorf("mark runtime %q present: %w", id, err)
	}
	r.mirror(ctx, rec)
	if d.Kind == store.KindEdge {
		for _, p := range d.Providers {
			err := r.store.SaveProvider(ctx, &store.ToolProvider{
				ID:           p.ID,
				Tenant:       scope.Tenant,
				Transport:    p.Transport,
				Target:       store.TargetEdge,
				Config:       p.Config,
				OwnerRuntime: id,
			})
			if err != nil {
				r.logger.Warn(ctx, "failed to save tool provider", "tenant", scope.Tenant, "provider", p.ID, "err", err)
			}
		}
	}
	r.logger.Info(ctx, "runtime announced", "tenant", scope.Tenant, "runtime", id, "name", d.Name, "kind", string(d.Kind))
	return id, nil
}

// claimName returns the id bound to name, binding a fresh one if the name is
// new to the tenant.
func (r *Registry) claimName(ctx context.Context, scope tenancy.Scope, name string) (string, error) {
	fresh := uuid.NewString()
	ok, err := r.names.SetNX(ctx, scope, name, []byte(fresh))
	if err != nil {
		return "", fmt.Errorf("claim runtime name %q: %w", name, err)
	}
	if ok {
		return fresh, nil
	}
	id, err := r.names.Get(ctx, scope, name)
	if err != nil {
		return "", fmt.Errorf("resolve runtime name %q: %w", name, err)
	}
	return string(id), nil
}

// Heartbeat refreshes the runtime. A heartbeat that lands on an INACTIVE
// runtime re-activates it and reports reactivated so that the caller can
// re-announce the connection attributes cleared by the sweep.
func (r *Registry) Heartbeat(ctx context.Context, scope tenancy.Scope, id string) (reactivated bool, err error) {
	rec, err := r.update(ctx, scope, id, func(cur *store.Runtime) (*store.Runtime, error) {
		if cur == nil {
			return nil, toolgate.Errorf(toolgate.MakeNotFound, "runtime %q not found", id)
		}
		next := *cur
		reactivated = cur.Lifecycle != store.Active
		next.Lifecycle = store.Active
		next.LastSeenAt = r.now().UTC()
		return &next, nil
	})
	if err != nil {
		return false, err
	}
	if err := r.presence.Set(ctx, scope, id, []byte(rec.LastSeenAt.Format(time.RFC3339Nano))); err != nil {
		return false, fmt.Errorf("mark runtime %q present: %w", id, err)
	}
	if reactivated {
		r.mirror(ctx, rec)
		r.logger.Info(ctx, "runtime reactivated", "tenant", scope.Tenant, "runtime", id)
	}
	return reactivated, nil
}

// Shutdown marks the runtime INACTIVE after a graceful shutdown announce.
func (r *Registry) Shutdown(ctx context.Context, scope tenancy.Scope, id string) error {
	rec, err := r.update(ctx, scope, id, func(cur *store.Runtime) (*store.Runtime, error) {
		if cur == nil {
			return nil, toolgate.Errorf(toolgate.MakeNotFound, "runtime %q not found", id)
		}
		if cur.Lifecycle == store.Inactive {
			return nil, nil
		}
		return deactivate(cur), nil
	})
	if err != nil {
		return err
	}
	if err := r.presence.Delete(ctx, scope, id); err != nil {
		return fmt.Errorf("clear runtime %q presence: %w", id, err)
	}
	if rec != nil {
		r.mirror(ctx, rec)
		r.logger.Info(ctx, "runtime shut down", "tenant", scope.Tenant, "runtime", id)
	}
	return nil
}

// MarkInactiveIfStale transitions every ACTIVE runtime whose last heartbeat
// is older than deadline to INACTIVE and returns the runtimes it changed.
// Each transition is a compare-and-swap on the runtime record: when another
// instance sweeps or a heartbeat lands concurrently, this sweep skips the
// record, so every stale runtime is reported by exactly one sweeper.
func (r *Registry) MarkInactiveIfStale(ctx context.Context, deadline time.Duration) ([]RuntimeRef, error) {
	tenants, err := r.records.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list registry tenants: %w", err)
	}
	cutoff := r.now().Add(-deadline)
	var swept []RuntimeRef
	for _, tenant := range tenants {
		scope := tenancy.Scope{Tenant: tenant}
		ids, err := r.records.IDs(ctx, scope)
		if err != nil {
			return swept, fmt.Errorf("list runtimes of %q: %w", tenant, err)
		}
		for _, id := range ids {
			raw, err := r.records.Get(ctx, scope, id)
			if err != nil {
				continue
			}
			var cur store.Runtime
			if err := json.Unmarshal(raw, &cur); err != nil {
				r.logger.Warn(ctx, "skipping corrupt runtime record", "tenant", tenant, "runtime", id, "err", err)
				continue
			}
			if cur.Lifecycle != store.Active || !cur.LastSeenAt.Before(cutoff) {
				continue
			}
			next := deactivate(&cur)
			nraw, err := json.Marshal(next)
			if err != nil {
				return swept, fmt.Errorf("encode runtime %q: %w", id, err)
			}
			ok, err := r.records.CompareAndSwap(ctx, scope, id, raw, nraw)
			if err != nil {
				return swept, fmt.Errorf("sweep runtime %q: %w", id, err)
			}
			if !ok {
				continue
			}
			if err := r.presence.Delete(ctx, scope, id); err != nil {
				r.logger.Warn(ctx, "failed to drop presence of swept runtime", "tenant", tenant, "runtime", id, "err", err)
			}
			r.mirror(ctx, next)
			swept = append(swept, RuntimeRef{Tenant: tenant, ID: id})
			r.logger.Info(ctx, "runtime marked inactive", "tenant", tenant, "runtime", id, "last_seen", cur.LastSeenAt)
		}
	}
	if len(swept) > 0 {
		r.metrics.IncCounter(telemetry.MetricRuntimesSwept, float64(len(swept)))
	}
	return swept, nil
}

// ResolveActiveOwner returns the id of the ACTIVE runtime that owns the EDGE
// provider. It fails with tool_unavailable when the provider has no owner or
// the owner is not reachable.
func (r *Registry) ResolveActiveOwner(ctx context.Context, scope tenancy.Scope, providerID string) (string, error) {
	p, err := r.store.GetProvider(ctx, scope.Tenant, providerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", toolgate.Errorf(toolgate.MakeNotFound, "tool provider %q not found", providerID)
		}
		return "", fmt.Errorf("load tool provider %q: %w", providerID, err)
	}
	if p.Target != store.TargetEdge {
		return "", toolgate.Errorf(toolgate.MakeInvalidArguments, "tool provider %q is not an edge provider", providerID)
	}
	if p.OwnerRuntime == "" {
		return "", toolgate.Errorf(toolgate.MakeToolUnavailable, "tool provider %q has no runtime", providerID)
	}
	rec, err := r.Get(ctx, scope, p.OwnerRuntime)
	if err != nil {
		if toolgate.IsKind(err, toolgate.KindNotFound) {
			return "", toolgate.Errorf(toolgate.MakeToolUnavailable, "runtime of tool provider %q is not registered", providerID)
		}
		return "", err
	}
	if rec.Lifecycle != store.Active || !slices.Contains(rec.Providers, providerID) {
		return "", toolgate.Errorf(toolgate.MakeToolUnavailable, "runtime of tool provider %q is inactive", providerID)
	}
	if _, err := r.presence.Get(ctx, scope, rec.ID); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return "", toolgate.Errorf(toolgate.MakeToolUnavailable, "runtime of tool provider %q missed its heartbeat", providerID)
		}
		return "", fmt.Errorf("check runtime %q presence: %w", rec.ID, err)
	}
	return rec.ID, nil
}

// Get returns the live record of a runtime.
func (r *Registry) Get(ctx context.Context, scope tenancy.Scope, id string) (*store.Runtime, error) {
	raw, err := r.records.Get(ctx, scope, id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, toolgate.Errorf(toolgate.MakeNotFound, "runtime %q not found", id)
		}
		return nil, fmt.Errorf("load runtime %q: %w", id, err)
	}
	var rec store.Runtime
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode runtime %q: %w", id, err)
	}
	return &rec, nil
}

// ListActive returns the ACTIVE runtimes of the tenant ordered by name.
func (r *Registry) ListActive(ctx context.Context, scope tenancy.Scope) ([]*store.Runtime, error) {
	ids, err := r.records.IDs(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list runtimes: %w", err)
	}
	var active []*store.Runtime
	for _, id := range ids {
		rec, err := r.Get(ctx, scope, id)
		if err != nil {
			if toolgate.IsKind(err, toolgate.KindNotFound) {
				continue
			}
			return nil, err
		}
		if rec.Lifecycle == store.Active {
			active = append(active, rec)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Name < active[j].Name })
	return active, nil
}

// update applies fn to the record of id with compare-and-swap until it
// wins. fn receives nil when the record does not exist; returning a nil
// record leaves the record unchanged.
func (r *Registry) update(ctx context.Context, scope tenancy.Scope, id string, fn func(*store.Runtime) (*store.Runtime, error)) (*store.Runtime, error) {
	for range r.maxUpdate {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var cur *store.Runtime
		raw, err := r.records.Get(ctx, scope, id)
		switch {
		case err == nil:
			cur = new(store.Runtime)
			if err := json.Unmarshal(raw, cur); err != nil {
				return nil, fmt.Errorf("decode runtime %q: %w", id, err)
			}
		case errors.Is(err, cache.ErrNotFound):
			raw = nil
		default:
			return nil, fmt.Errorf("load runtime %q: %w", id, err)
		}
		next, err := fn(cur)
		if err != nil || next == nil {
			return nil, err
		}
		nraw, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode runtime %q: %w", id, err)
		}
		if bytes.Equal(raw, nraw) {
			return next, nil
		}
		var ok bool
		if raw == nil {
			ok, err = r.records.SetNX(ctx, scope, id, nraw)
		} else {
			ok, err = r.records.CompareAndSwap(ctx, scope, id, raw, nraw)
		}
		if err != nil {
			return nil, fmt.Errorf("store runtime %q: %w", id, err)
		}
		if ok {
			return next, nil
		}
	}
	return nil, fmt.Errorf("update runtime %q: %w", id, cache.ErrConflict)
}

// mirror copies rec to the persistence collaborator. Failures are logged:
// the cache holds the routing state.
func (r *Registry) mirror(ctx context.Context, rec *store.Runtime) {
	if err := r.store.SaveRuntime(ctx, rec); err != nil {
		r.logger.Warn(ctx, "failed to mirror runtime", "tenant", rec.Tenant, "runtime", rec.ID, "err", err)
	}
}

func deactivate(cur *store.Runtime) *store.Runtime {
	next := *cur
	next.Lifecycle = store.Inactive
	next.ProcessID = 0
	next.HostIP = ""
	next.Hostname = ""
	return &next
}

func providerIDs(specs []ProviderSpec) []string {
	if len(specs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(specs))
	for _, p := range specs {
		ids = append(ids, p.ID)
	}
	return ids
}

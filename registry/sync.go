package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skilder-ai/toolgate/bus"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/telemetry"
	"github.com/skilder-ai/toolgate/tenancy"
)

type (
	// Syncer keeps the Tool records of each runtime-owned provider in line
	// with what the runtime reports.
	Syncer struct {
		bus      bus.Bus
		registry *Registry
		store    store.Tools
		timeout  time.Duration
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu       sync.Mutex
		inflight map[string]struct{}
	}

	// SyncerOptions configures a Syncer.
	SyncerOptions struct {
		// Timeout bounds a discovery request. Defaults to 10s.
		Timeout time.Duration
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}
)

// NewSyncer returns a Syncer that queries runtimes over b and writes to
// tools.
func NewSyncer(b bus.Bus, reg *Registry, tools store.Tools, opts SyncerOptions) *Syncer {
	s := &Syncer{
		bus:      b,
		registry: reg,
		store:    tools,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		inflight: make(map[string]struct{}),
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	return s
}

// Sync asks the runtime for its tool inventory and reconciles it. Calls for
// a runtime that is already syncing return immediately.
func (s *Syncer) Sync(ctx context.Context, scope tenancy.Scope, runtimeID string) error {
	key := scope.Tenant + "/" + runtimeID
	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return nil
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	req, err := bus.NewMessage(bus.TypeDiscover, nil)
	if err != nil {
		return err
	}
	resp, err := bus.Request(ctx, s.bus, scope.RuntimeDiscoverySubject(runtimeID), req, s.timeout)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			s.logger.Warn(ctx, "runtime did not report its tools", "tenant", scope.Tenant, "runtime", runtimeID)
		}
		return fmt.Errorf("discover tools of runtime %q: %w", runtimeID, err)
	}
	var inv Inventory
	if err := resp.Decode(&inv); err != nil {
		return fmt.Errorf("decode tool inventory of runtime %q: %w", runtimeID, err)
	}
	return s.Reconcile(ctx, scope, runtimeID, inv)
}

// Reconcile applies inv to every provider owned by the runtime. Owned
// providers missing from inv lose all their ACTIVE tools; providers the
// runtime does not own are ignored.
func (s *Syncer) Reconcile(ctx context.Context, scope tenancy.Scope, runtimeID string, inv Inventory) error {
	rec, err := s.registry.Get(ctx, scope, runtimeID)
	if err != nil {
		return err
	}
	reported := make(map[string][]ToolSpec, len(inv.Providers))
	for _, p := range inv.Providers {
		reported[p.ProviderID] = p.Tools
	}
	var errs []error
	for _, providerID := range rec.Providers {
		res, err := s.store.ReconcileTools(ctx, scope.Tenant, providerID, StoreTools(reported[providerID]))
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile tools of provider %q: %w", providerID, err))
			continue
		}
		changed := len(res.Added) + len(res.Deactivated) + len(res.Reactivated)
		if changed == 0 {
			continue
		}
		s.metrics.IncCounter(telemetry.MetricToolsReconciled, float64(changed), "provider", providerID)
		s.logger.Info(ctx, "tools reconciled",
			"tenant", scope.Tenant,
			"provider", providerID,
			"added", res.Added,
			"deactivated", res.Deactivated,
			"reactivated", res.Reactivated)
	}
	return errors.Join(errs...)
}

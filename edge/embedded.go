package edge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/skilder-ai/toolgate/bus"
	"github.com/skilder-ai/toolgate/registry"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/telemetry"
	"github.com/skilder-ai/toolgate/tenancy"
	"github.com/skilder-ai/toolgate/toolhost"
)

// Embedded serves the agent-embedded providers of one session. Calls for
// those providers are published on the session's own call subject so they
// never leave the session.
type Embedded struct {
	bus     bus.Bus
	subject string
	exec    *executor
	sub     bus.Subscription
}

// NewEmbedded returns the embedded host of sessionID within scope.
func NewEmbedded(b bus.Bus, hosts *toolhost.Set, scope tenancy.Scope, sessionID string, logger telemetry.Logger, metrics telemetry.Metrics) (*Embedded, error) {
	if b == nil || hosts == nil {
		return nil, errors.New("bus and hosts are required")
	}
	if scope.IsZero() || sessionID == "" {
		return nil, errors.New("scope and session are required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	exec := newExecutor(b, hosts, func() string { return "" }, logger, metrics)
	exec.local = func(id string) string { return LocalProviderID(sessionID, id) }
	return &Embedded{
		bus:     b,
		subject: scope.SessionCallSubject(sessionID),
		exec:    exec,
	}, nil
}

// Start subscribes to the session call subject.
func (e *Embedded) Start(ctx context.Context) error {
	sub, err := e.bus.Subscribe(ctx, e.subject, "session", e.exec.handle)
	if err != nil {
		return fmt.Errorf("subscribe to session calls: %w", err)
	}
	e.sub = sub
	return nil
}

// Close stops serving and waits for in-flight calls.
func (e *Embedded) Close(ctx context.Context) error {
	var err error
	if e.sub != nil {
		err = e.sub.Close(ctx)
	}
	e.exec.stop()
	return err
}

// SessionProviderID is the catalog ID of the embedded provider providerID
// hosted by sessionID. Each session records its own copy so sessions hosting
// the same provider keep separate tool inventories.
func SessionProviderID(sessionID, providerID string) string {
	return providerID + "@" + sessionID
}

// LocalProviderID reverses SessionProviderID. IDs of other sessions are
// returned unchanged.
func LocalProviderID(sessionID, id string) string {
	if local, ok := strings.CutSuffix(id, "@"+sessionID); ok {
		return local
	}
	return id
}

// Register records the providers in hosts as AGENT-EMBEDDED providers of
// sessionID and reconciles their current tools. It returns the catalog IDs
// of the providers the session hosts.
func Register(ctx context.Context, st store.Store, scope tenancy.Scope, sessionID string, hosts *toolhost.Set, transport store.Transport) ([]string, error) {
	if sessionID == "" {
		return nil, errors.New("session is required")
	}
	inv, errs := hosts.Inventory(ctx)
	for _, p := range inv.Providers {
		id := SessionProviderID(sessionID, p.ProviderID)
		err := st.SaveProvider(ctx, &store.ToolProvider{
			ID:        id,
			Tenant:    scope.Tenant,
			Transport: transport,
			Target:    store.TargetEmbedded,
		})
		if err != nil {
			return nil, fmt.Errorf("save provider %q: %w", id, err)
		}
		if _, err := st.ReconcileTools(ctx, scope.Tenant, id, registry.StoreTools(p.Tools)); err != nil {
			return nil, fmt.Errorf("reconcile tools of %q: %w", id, err)
		}
	}
	local := hosts.IDs()
	ids := make([]string, 0, len(local))
	for _, id := range local {
		ids = append(ids, SessionProviderID(sessionID, id))
	}
	return ids, errors.Join(errs...)
}

// Unregister marks the tools of the session providers ids INACTIVE once the
// session ends.
func Unregister(ctx context.Context, st store.Store, scope tenancy.Scope, ids []string) error {
	var errs []error
	for _, id := range ids {
		if _, err := st.ReconcileTools(ctx, scope.Tenant, id, nil); err != nil {
			errs = append(errs, fmt.Errorf("retire tools of %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

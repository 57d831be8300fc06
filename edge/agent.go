// Package edge implements the worker side of the gateway: an EDGE runtime
// that announces itself to the registry, keeps its presence alive with
// heartbeats and executes the tool calls routed to it, and the embedded host
// that serves the agent-embedded providers of a single session.
package edge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/bus"
	"github.com/skilder-ai/toolgate/registry"
	"github.com/skilder-ai/toolgate/telemetry"
	"github.com/skilder-ai/toolgate/tenancy"
	"github.com/skilder-ai/toolgate/toolhost"
)

type (
	// Agent is an EDGE runtime.
	Agent struct {
		bus        bus.Bus
		hosts      *toolhost.Set
		key        string
		descriptor registry.Descriptor
		interval   time.Duration
		timeout    time.Duration
		logger     telemetry.Logger
		exec       *executor

		mu    sync.Mutex
		scope tenancy.Scope
		id    string
		subs  []bus.Subscription
	}

	// Options configures an Agent.
	Options struct {
		Bus   bus.Bus
		Hosts *toolhost.Set
		// WorkspaceKey authenticates the runtime with the registry.
		WorkspaceKey string
		// Descriptor is announced as is; its Providers should list the
		// providers in Hosts.
		Descriptor registry.Descriptor
		// HeartbeatInterval defaults to a third of the registry's default
		// stale deadline.
		HeartbeatInterval time.Duration
		// RequestTimeout bounds each control request. Defaults to 10s.
		RequestTimeout time.Duration
		Logger         telemetry.Logger
		Metrics        telemetry.Metrics
	}
)

// New returns an Agent. Call Run or Start to connect it.
func New(opts Options) (*Agent, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Hosts == nil {
		return nil, errors.New("hosts are required")
	}
	if opts.WorkspaceKey == "" {
		return nil, errors.New("workspace key is required")
	}
	a := &Agent{
		bus:        opts.Bus,
		hosts:      opts.Hosts,
		key:        opts.WorkspaceKey,
		descriptor: opts.Descriptor,
		interval:   opts.HeartbeatInterval,
		timeout:    opts.RequestTimeout,
		logger:     opts.Logger,
	}
	if a.interval <= 0 {
		a.interval = registry.DefaultStaleDeadline / 3
	}
	if a.timeout <= 0 {
		a.timeout = 10 * time.Second
	}
	if a.logger == nil {
		a.logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	a.exec = newExecutor(a.bus, a.hosts, a.RuntimeID, a.logger, metrics)
	return a, nil
}

// RuntimeID returns the ID assigned by the registry, empty before Start.
func (a *Agent) RuntimeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Scope returns the tenant scope the workspace key resolved to.
func (a *Agent) Scope() tenancy.Scope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scope
}

// Start announces the runtime with its current tool inventory and begins
// serving calls and discovery requests.
func (a *Agent) Start(ctx context.Context) error {
	inv, errs := a.hosts.Inventory(ctx)
	for _, err := range errs {
		a.logger.Warn(ctx, "tool provider unavailable at announce", "err", err)
	}
	d := a.descriptor
	reply, err := a.control(ctx, &registry.ControlRequest{
		Op:         registry.OpAnnounce,
		Key:        a.key,
		Descriptor: &d,
		Inventory:  &inv,
	})
	if err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	if err := a.bind(ctx, tenancy.Scope{Tenant: reply.Tenant}, reply.RuntimeID); err != nil {
		return err
	}
	a.logger.Info(ctx, "runtime announced", "tenant", reply.Tenant, "runtime", reply.RuntimeID, "name", d.Name)
	return nil
}

// Heartbeat refreshes the runtime's presence. When the registry answers with
// a different runtime ID (the record was lost and re-created) the agent moves
// its subscriptions to the new subjects.
func (a *Agent) Heartbeat(ctx context.Context) error {
	d := a.descriptor
	reply, err := a.control(ctx, &registry.ControlRequest{
		Op:         registry.OpHeartbeat,
		Key:        a.key,
		RuntimeID:  a.RuntimeID(),
		Descriptor: &d,
	})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if reply.RuntimeID != a.RuntimeID() {
		a.logger.Info(ctx, "runtime re-announced", "runtime", reply.RuntimeID)
		return a.bind(ctx, tenancy.Scope{Tenant: reply.Tenant}, reply.RuntimeID)
	}
	return nil
}

// Run starts the agent, heartbeats until ctx is done, then announces the
// shutdown and closes its subscriptions. Transient heartbeat failures are
// logged and retried at the next tick.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
			defer cancel()
			return a.Shutdown(sctx)
		case <-ticker.C:
			if err := a.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn(ctx, "heartbeat failed", "err", err)
			}
		}
	}
}

// Shutdown tells the registry the runtime is going away, then stops serving.
func (a *Agent) Shutdown(ctx context.Context) error {
	id := a.RuntimeID()
	var err error
	if id != "" {
		_, err = a.control(ctx, &registry.ControlRequest{Op: registry.OpShutdown, Key: a.key, RuntimeID: id})
	}
	a.unbind(ctx)
	a.exec.stop()
	return err
}

func (a *Agent) control(ctx context.Context, req *registry.ControlRequest) (*registry.ControlReply, error) {
	msg, err := bus.NewMessage(bus.TypeControl, req)
	if err != nil {
		return nil, err
	}
	resp, err := bus.Request(ctx, a.bus, tenancy.ControlSubject, msg, a.timeout)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return nil, toolgate.Errorf(toolgate.MakeToolUnavailable, "registry did not answer %s", req.Op)
		}
		return nil, err
	}
	var reply registry.ControlReply
	if err := resp.Decode(&reply); err != nil {
		return nil, toolgate.Errorf(toolgate.MakeProtocolMalformed, "invalid control reply: %v", err)
	}
	if reply.Error != nil {
		return nil, reply.Error.Err()
	}
	return &reply, nil
}

// bind subscribes to the call and discovery subjects of id, replacing any
// previous subscriptions.
func (a *Agent) bind(ctx context.Context, scope tenancy.Scope, id string) error {
	calls, err := a.bus.Subscribe(ctx, scope.RuntimeCallSubject(id), "runtime", a.exec.handle)
	if err != nil {
		return fmt.Errorf("subscribe to calls: %w", err)
	}
	discovery, err := a.bus.Subscribe(ctx, scope.RuntimeDiscoverySubject(id), "runtime", a.discover)
	if err != nil {
		_ = calls.Close(ctx)
		return fmt.Errorf("subscribe to discovery: %w", err)
	}
	a.unbind(ctx)
	a.mu.Lock()
	a.scope = scope
	a.id = id
	a.subs = []bus.Subscription{calls, discovery}
	a.mu.Unlock()
	return nil
}

func (a *Agent) unbind(ctx context.Context) {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, s := range subs {
		if err := s.Close(ctx); err != nil {
			a.logger.Warn(ctx, "failed to close subscription", "err", err)
		}
	}
}

// discover answers an inventory request from the registry.
func (a *Agent) discover(ctx context.Context, msg *bus.Message) error {
	inv, errs := a.hosts.Inventory(ctx)
	for _, err := range errs {
		a.logger.Warn(ctx, "tool provider unavailable during discovery", "err", err)
	}
	resp, err := bus.NewMessage(bus.TypeTools, &inv)
	if err != nil {
		return err
	}
	return bus.Reply(ctx, a.bus, msg, resp)
}

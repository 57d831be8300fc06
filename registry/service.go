package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/bus"
	"github.com/skilder-ai/toolgate/telemetry"
	"github.com/skilder-ai/toolgate/tenancy"
)

type (
	// Service serves the registry control plane: runtimes announce,
	// heartbeat and shut down by sending ControlRequest messages on
	// tenancy.ControlSubject. Every request is authenticated with the
	// Identity Guard before it touches the registry.
	Service struct {
		registry *Registry
		syncer   *Syncer
		guard    *tenancy.Guard
		bus      bus.Bus
		logger   telemetry.Logger

		sub bus.Subscription
		wg  sync.WaitGroup
		// bg scopes background tool syncs; cancelled by Close.
		bg     context.Context
		cancel context.CancelFunc
	}

	// ServiceOptions configures a Service.
	ServiceOptions struct {
		Registry *Registry
		Syncer   *Syncer
		Guard    *tenancy.Guard
		Bus      bus.Bus
		Logger   telemetry.Logger
	}
)

// NewService returns a Service. Call Start to begin serving.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Syncer == nil {
		return nil, errors.New("syncer is required")
	}
	if opts.Guard == nil {
		return nil, errors.New("guard is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Service{
		registry: opts.Registry,
		syncer:   opts.Syncer,
		guard:    opts.Guard,
		bus:      opts.Bus,
		logger:   logger,
		bg:       bg,
		cancel:   cancel,
	}, nil
}

// Start subscribes to the control subject. Gateway instances share the
// subscription group so each request is handled once.
func (s *Service) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, tenancy.ControlSubject, "registry", s.handle)
	if err != nil {
		return fmt.Errorf("subscribe to registry control: %w", err)
	}
	s.sub = sub
	return nil
}

// Close stops serving and waits for background syncs.
func (s *Service) Close(ctx context.Context) error {
	var err error
	if s.sub != nil {
		err = s.sub.Close(ctx)
	}
	s.cancel()
	s.wg.Wait()
	return err
}

func (s *Service) handle(ctx context.Context, msg *bus.Message) error {
	var req ControlRequest
	if err := msg.Decode(&req); err != nil {
		return s.reply(ctx, msg, tenancy.Scope{}, "", toolgate.Errorf(toolgate.MakeProtocolMalformed, "invalid control request: %v", err))
	}
	ident, err := s.guard.Resolve(ctx, req.Key)
	if err == nil && ident.Kind != tenancy.KindWorkspace {
		err = toolgate.Errorf(toolgate.MakeAuthRejected, "runtimes authenticate with a workspace key")
	}
	if err != nil {
		s.logger.Warn(ctx, "rejected registry control request", "op", req.Op)
		return s.reply(ctx, msg, tenancy.Scope{}, "", toolgate.Errorf(toolgate.MakeAuthRejected, "rejected"))
	}
	scope := ident.Scope

	switch req.Op {
	case OpAnnounce:
		if req.Descriptor == nil {
			return s.reply(ctx, msg, scope, "", toolgate.Errorf(toolgate.MakeInvalidArguments, "announce requires a descriptor"))
		}
		id, err := s.registry.Announce(ctx, scope, *req.Descriptor)
		if err != nil {
			return s.reply(ctx, msg, scope, "", err)
		}
		if req.Inventory != nil {
			if err := s.syncer.Reconcile(ctx, scope, id, *req.Inventory); err != nil {
				s.logger.Error(ctx, "failed to reconcile announced tools", "tenant", scope.Tenant, "runtime", id, "err", err)
			}
		}
		return s.reply(ctx, msg, scope, id, nil)

	case OpHeartbeat:
		id := req.RuntimeID
		reactivated, err := s.registry.Heartbeat(ctx, scope, id)
		switch {
		case toolgate.IsKind(err, toolgate.KindNotFound) && req.Descriptor != nil:
			// The registry lost the record; the heartbeat re-announces.
			id, err = s.registry.Announce(ctx, scope, *req.Descriptor)
		case err == nil && reactivated && req.Descriptor != nil:
			_, err = s.registry.Announce(ctx, scope, *req.Descriptor)
		}
		if err != nil {
			return s.reply(ctx, msg, scope, "", err)
		}
		s.syncInBackground(scope, id)
		return s.reply(ctx, msg, scope, id, nil)

	case OpShutdown:
		return s.reply(ctx, msg, scope, req.RuntimeID, s.registry.Shutdown(ctx, scope, req.RuntimeID))

	default:
		return s.reply(ctx, msg, scope, "", toolgate.Errorf(toolgate.MakeProtocolMalformed, "unknown control operation %q", req.Op))
	}
}

// syncInBackground refreshes the runtime's tools without holding up the
// control subscription.
func (s *Service) syncInBackground(scope tenancy.Scope, id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.syncer.Sync(s.bg, scope, id); err != nil && s.bg.Err() == nil {
			s.logger.Warn(s.bg, "tool sync failed", "tenant", scope.Tenant, "runtime", id, "err", err)
		}
	}()
}

func (s *Service) reply(ctx context.Context, req *bus.Message, scope tenancy.Scope, id string, err error) error {
	if req.ReplyTo == "" {
		return err
	}
	resp, merr := bus.NewMessage(bus.TypeAck, &ControlReply{RuntimeID: id, Tenant: scope.Tenant, Error: NewErrorBody(err)})
	if merr != nil {
		return merr
	}
	if perr := bus.Reply(ctx, s.bus, req, resp); perr != nil {
		return fmt.Errorf("reply to %s: %w", req.Type, perr)
	}
	return nil
}

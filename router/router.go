// Package router routes tool calls from gateway sessions to the runtime that
// executes them and correlates the reply.
//
// A call is routed in six steps: resolve the tool within the session's
// scope, resolve the target subject (the owning EDGE runtime or the
// session's own embedded host), persist a PENDING ToolCall, subscribe to the
// call's reply subject and publish the request, await the reply with a
// bounded timeout, and record the terminal status exactly once. Calls are
// never retried: tools are not assumed idempotent.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/bus"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/telemetry"
	"github.com/skilder-ai/toolgate/tenancy"
)

type (
	// OwnerResolver resolves the ACTIVE runtime owning an EDGE provider.
	// *registry.Registry implements it.
	OwnerResolver interface {
		ResolveActiveOwner(ctx context.Context, scope tenancy.Scope, providerID string) (string, error)
	}

	// Router is the Tool-Call Router.
	Router struct {
		catalog *Catalog
		owners  OwnerResolver
		store   store.Store
		bus     bus.Bus
		schemas *schemas
		timeout time.Duration
		now     func() time.Time
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}

	// Options configures a Router.
	Options struct {
		Store  store.Store
		Owners OwnerResolver
		Bus    bus.Bus
		// CallTimeout bounds the wait for a reply. Defaults to
		// DefaultCallTimeout.
		CallTimeout time.Duration
		Now         func() time.Time
		Logger      telemetry.Logger
		Metrics     telemetry.Metrics
		Tracer      telemetry.Tracer
	}

	// Result is the outcome of a routed call.
	Result struct {
		CallID    string
		Status    store.CallStatus
		RuntimeID string
		Output    []byte
		Error     *store.CallError
	}
)

// DefaultCallTimeout bounds a call when no timeout is configured.
const DefaultCallTimeout = 30 * time.Second

// New returns a Router.
func New(opts Options) (*Router, error) {
	if opts.Store == nil || opts.Owners == nil || opts.Bus == nil {
		return nil, errors.New("router: store, owner resolver and bus are required")
	}
	r := &Router{
		catalog: NewCatalog(opts.Store),
		owners:  opts.Owners,
		store:   opts.Store,
		bus:     opts.Bus,
		schemas: newSchemas(512),
		timeout: opts.CallTimeout,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultCallTimeout
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
	if r.tracer == nil {
		r.tracer = telemetry.NewNoopTracer()
	}
	return r, nil
}

// Catalog returns the catalog used to resolve tools.
func (r *Router) Catalog() *Catalog { return r.catalog }

// Route executes toolName with args on behalf of sess.
//
// Failures are returned as errors carrying a toolgate kind. Once the call
// record exists the returned Result is non-nil even on failure so that the
// caller can report the call ID. Cancelling ctx (session disconnect) stops
// the wait without touching the record.
func (r *Router) Route(ctx context.Context, sess *Session, toolName string, args []byte) (*Result, error) {
	if sess == nil || sess.Scope.IsZero() {
		return nil, toolgate.Errorf(toolgate.MakeAuthRejected, "missing session scope")
	}
	ctx, span := r.tracer.Start(ctx, "toolgate.route",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("toolgate.tenant", sess.Scope.Tenant),
			attribute.String("toolgate.session", sess.ID),
			attribute.String("toolgate.tool", toolName),
		))
	defer span.End()
	start := r.now()

	res, err := r.route(ctx, sess, toolName, args)
	outcome := "completed"
	if err != nil {
		outcome = toolgate.Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, toolgate.Message(err))
	}
	r.metrics.IncCounter(telemetry.MetricCalls, 1, "outcome", outcome)
	r.metrics.RecordTimer(telemetry.MetricCallDuration, r.now().Sub(start), "outcome", outcome)
	return res, err
}

func (r *Router) route(ctx context.Context, sess *Session, toolName string, args []byte) (*Result, error) {
	// 1. Resolve the tool within the tenant and session scope.
	entry, err := r.catalog.Lookup(ctx, sess, toolName)
	if err != nil {
		return nil, err
	}

	// 2-3. Resolve the subject of the executing host.
	var subject, runtimeID string
	switch entry.Provider.Target {
	case store.TargetEdge:
		runtimeID, err = r.owners.ResolveActiveOwner(ctx, sess.Scope, entry.Provider.ID)
		if err != nil {
			if toolgate.IsKind(err, toolgate.KindNotFound) {
				err = toolgate.Errorf(toolgate.MakeToolUnavailable, "tool %q is unavailable: %s", toolName, toolgate.Message(err))
			}
			return nil, err
		}
		subject = sess.Scope.RuntimeCallSubject(runtimeID)
	case store.TargetEmbedded:
		subject = sess.Scope.SessionCallSubject(sess.ID)
	default:
		return nil, toolgate.Errorf(toolgate.MakeInternal, "tool provider %q has unknown target %q", entry.Provider.ID, entry.Provider.Target)
	}

	if err := r.schemas.validate(entry.Tool, args); err != nil {
		return nil, toolgate.Errorf(toolgate.MakeInvalidArguments, "invalid arguments for tool %q: %v", toolName, err)
	}

	// 4. Persist the PENDING call, subscribe to its reply, publish.
	call := &store.ToolCall{
		ID:        uuid.NewString(),
		Tenant:    sess.Scope.Tenant,
		ToolID:    entry.Tool.ID,
		ToolName:  toolName,
		SessionID: sess.ID,
		RuntimeID: runtimeID,
		Status:    store.CallPending,
		CalledAt:  r.now().UTC(),
		Input:     args,
	}
	if err := r.store.CreateToolCall(ctx, call); err != nil {
		return nil, fmt.Errorf("create tool call: %w", err)
	}
	res := &Result{CallID: call.ID, Status: store.CallPending, RuntimeID: runtimeID}

	w := &waiter{replies: make(chan *CallReply, 1)}
	sub, err := r.bus.Subscribe(ctx, sess.Scope.CallReplySubject(call.ID), "router", w.handler(r), bus.Ephemeral(r.timeout+time.Minute))
	if err != nil {
		return res, r.fail(ctx, call, res, toolgate.Errorf(toolgate.MakeInternal, "subscribe to reply: %v", err))
	}
	defer func() { _ = sub.Close(context.WithoutCancel(ctx)) }()

	msg, err := bus.NewMessage(bus.TypeCall, &CallRequest{
		ToolName:   toolName,
		ProviderID: entry.Provider.ID,
		SessionID:  sess.ID,
		Arguments:  args,
	})
	if err != nil {
		return res, r.fail(ctx, call, res, toolgate.MakeInternal(err))
	}
	msg.ID = call.ID
	msg.ReplyTo = sess.Scope.CallReplySubject(call.ID)
	bus.InjectTraceContext(ctx, msg)
	if err := r.bus.Publish(ctx, subject, msg); err != nil {
		return res, r.fail(ctx, call, res, toolgate.Errorf(toolgate.MakeToolUnavailable, "publish tool call: %v", err))
	}

	// 5. Await the reply.
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	var reply *CallReply
	select {
	case reply = <-w.replies:
	case <-timer.C:
		if !w.close() {
			reply = <-w.replies
			break
		}
		return res, r.fail(ctx, call, res, toolgate.Errorf(toolgate.MakeToolCallTimeout, "tool %q did not reply within %s", toolName, r.timeout))
	case <-ctx.Done():
		w.close()
		return res, ctx.Err()
	}

	// 6. Record the reply.
	return res, r.complete(ctx, call, res, reply)
}

func (r *Router) complete(ctx context.Context, call *store.ToolCall, res *Result, reply *CallReply) error {
	done := r.now().UTC()
	status := reply.Status
	if status != store.CallCompleted {
		status = store.CallFailed
	}
	cerr := reply.Error
	if status == store.CallFailed && cerr == nil {
		cerr = &store.CallError{Kind: toolgate.KindToolError, Message: "tool call failed"}
	}
	if reply.RuntimeID != "" {
		res.RuntimeID = reply.RuntimeID
	}
	update := &store.ToolCall{
		ID:          call.ID,
		Tenant:      call.Tenant,
		Status:      status,
		CompletedAt: &done,
		RuntimeID:   res.RuntimeID,
		Output:      reply.Output,
		Error:       cerr,
	}
	if err := r.store.CompleteToolCall(ctx, update); err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
		r.logger.Error(ctx, "failed to complete tool call", "call", call.ID, "err", err)
	}
	res.Status = status
	res.Output = reply.Output
	res.Error = cerr
	if cerr != nil {
		return toolgate.FromKind(cerr.Kind, cerr.Message)
	}
	return nil
}

// fail records the terminal FAILED state and returns cause.
func (r *Router) fail(ctx context.Context, call *store.ToolCall, res *Result, cause error) error {
	done := r.now().UTC()
	cerr := &store.CallError{Kind: toolgate.Kind(cause), Message: toolgate.Message(cause)}
	err := r.store.CompleteToolCall(context.WithoutCancel(ctx), &store.ToolCall{
		ID:          call.ID,
		Tenant:      call.Tenant,
		Status:      store.CallFailed,
		CompletedAt: &done,
		Error:       cerr,
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
		r.logger.Error(ctx, "failed to record tool call failure", "call", call.ID, "err", err)
	}
	res.Status = store.CallFailed
	res.Error = cerr
	return cause
}

// waiter hands the first reply of a call to Route and discards the rest.
type waiter struct {
	claimed atomic.Bool
	replies chan *CallReply
}

func (w *waiter) handler(r *Router) bus.Handler {
	return func(ctx context.Context, msg *bus.Message) error {
		var reply CallReply
		if err := msg.Decode(&reply); err != nil {
			return fmt.Errorf("decode reply for call %q: %w", msg.ID, err)
		}
		if !w.claimed.CompareAndSwap(false, true) {
			r.metrics.IncCounter(telemetry.MetricRepliesDiscarded, 1)
			r.logger.Debug(ctx, "discarded duplicate or late reply", "call", msg.ID)
			return nil
		}
		w.replies <- &reply
		return nil
	}
}

// close stops accepting replies. It reports false when a reply was already
// claimed, in which case that reply is waiting on the channel.
func (w *waiter) close() bool {
	return w.claimed.CompareAndSwap(false, true)
}

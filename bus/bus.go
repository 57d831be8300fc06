// Package bus defines the MessageBus: subject-addressed publish/subscribe with
// request/reply built on top. Subjects are opaque strings; callers derive them
// from a tenancy.Scope so that tenants never share an address.
//
// Backends live in sub-packages: pulse (Redis streams, shared by every
// gateway instance) and inmem (single process).
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type (
	// Message is the unit carried by the bus.
	Message struct {
		// Type discriminates the payload, e.g. "call" or "reply".
		Type string `json:"type"`
		// ID correlates a reply with its request.
		ID string `json:"id,omitempty"`
		// ReplyTo is the subject the receiver publishes its reply on.
		ReplyTo string `json:"reply_to,omitempty"`
		// Data is the JSON payload.
		Data json.RawMessage `json:"data,omitempty"`
		// TraceParent and TraceState carry W3C trace context.
		TraceParent string `json:"traceparent,omitempty"`
		TraceState  string `json:"tracestate,omitempty"`
	}

	// Handler processes one delivered message. Returned errors are logged by
	// the backend; the message is acknowledged either way since tool calls are
	// not safe to redeliver.
	Handler func(ctx context.Context, msg *Message) error

	// Subscription is an active subscription.
	Subscription interface {
		// Close stops delivery. Ephemeral subscriptions also remove the
		// subject's backing resources.
		Close(ctx context.Context) error
	}

	// Bus is the MessageBus contract.
	Bus interface {
		// Publish sends msg to every group subscribed to subject.
		Publish(ctx context.Context, subject string, msg *Message) error
		// Subscribe registers h under group. Each message published on subject
		// is handled by exactly one subscription of each group. The
		// subscription is active when Subscribe returns: messages published
		// afterwards are delivered.
		Subscribe(ctx context.Context, subject, group string, h Handler, opts ...SubscribeOption) (Subscription, error)
		// Close releases backend resources.
		Close(ctx context.Context) error
	}

	// ReplyPublisher is implemented by buses that publish replies
	// differently from other messages. A reply subject belongs to the
	// ephemeral subscription of the waiter: once that subscription is gone
	// the reply is dropped instead of resurrecting the subject.
	ReplyPublisher interface {
		PublishReply(ctx context.Context, subject string, msg *Message) error
	}

	// SubscribeOption configures a subscription.
	SubscribeOption func(*SubscribeOptions)

	// SubscribeOptions is the resolved set of subscription options.
	SubscribeOptions struct {
		// Ephemeral marks a subject that exists only for this subscription,
		// such as a reply subject.
		Ephemeral bool
		// TTL bounds the lifetime of an ephemeral subject's backing resources
		// if the subscriber never closes it.
		TTL time.Duration
	}
)

// Message types used across the system.
const (
	TypeCall     = "call"
	TypeReply    = "reply"
	TypeDiscover = "discover"
	TypeTools    = "tools"
	TypeControl  = "control"
	TypeAck      = "ack"
	TypeForward  = "forward"
)

var (
	// ErrTimeout is returned by Request when no reply arrives in time.
	ErrTimeout = errors.New("bus: request timed out")
	// ErrClosed is returned when using a closed bus.
	ErrClosed = errors.New("bus: closed")
)

// Ephemeral marks the subscription subject as single-use. ttl bounds its
// lifetime when the subscriber disappears without closing.
func Ephemeral(ttl time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Ephemeral = true
		o.TTL = ttl
	}
}

// ResolveOptions applies opts.
func ResolveOptions(opts ...SubscribeOption) SubscribeOptions {
	var o SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMessage builds a message of type typ whose data is v encoded as JSON.
func NewMessage(typ string, v any) (*Message, error) {
	msg := &Message{Type: typ}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s message: %w", typ, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// Decode unmarshals the message data into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("empty %s message", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

// Request publishes msg on subject and waits for one reply on a private
// inbox subject until timeout elapses or ctx is done.
func Request(ctx context.Context, b Bus, subject string, msg *Message, timeout time.Duration) (*Message, error) {
	inbox := "_inbox:" + uuid.NewString()
	replies := make(chan *Message, 1)
	sub, err := b.Subscribe(ctx, inbox, "requester", func(_ context.Context, m *Message) error {
		select {
		case replies <- m:
		default:
		}
		return nil
	}, Ephemeral(timeout+time.Minute))
	if err != nil {
		return nil, fmt.Errorf("subscribe to inbox: %w", err)
	}
	defer func() { _ = sub.Close(context.WithoutCancel(ctx)) }()

	req := *msg
	req.ReplyTo = inbox
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	InjectTraceContext(ctx, &req)
	if err := b.Publish(ctx, subject, &req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-replies:
		return m, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply publishes resp on the reply subject of req, correlated by its ID.
func Reply(ctx context.Context, b Bus, req, resp *Message) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("%s message %q has no reply subject", req.Type, req.ID)
	}
	resp.ID = req.ID
	if rp, ok := b.(ReplyPublisher); ok {
		return rp.PublishReply(ctx, req.ReplyTo, resp)
	}
	return b.Publish(ctx, req.ReplyTo, resp)
}

// InjectTraceContext stores the trace context of ctx in msg.
func InjectTraceContext(ctx context.Context, msg *Message) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	msg.TraceParent = carrier["traceparent"]
	msg.TraceState = carrier["tracestate"]
}

// ExtractTraceContext returns ctx carrying the trace context stored in msg.
func ExtractTraceContext(ctx context.Context, msg *Message) context.Context {
	if msg.TraceParent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": msg.TraceParent}
	if msg.TraceState != "" {
		carrier["tracestate"] = msg.TraceState
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

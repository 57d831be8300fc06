// Package pulse implements bus.Bus on Pulse streams stored in Redis. Each
// subject is one stream and each subscription group is one Pulse sink
// (consumer group), so every group sees every message while members of a
// group share the load.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/skilder-ai/toolgate/bus"
	"github.com/skilder-ai/toolgate/telemetry"
)

type (
	// Options configures the Pulse bus.
	Options struct {
		// Redis backs the streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Zero uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual publish operations.
		OperationTimeout time.Duration
		// ReplyTTL bounds the lifetime of a reply stream written by this bus.
		// Defaults to five minutes.
		ReplyTTL time.Duration
		// SinkBlockDuration bounds how long a sink blocks reading Redis. Lower
		// values make Close more responsive.
		SinkBlockDuration time.Duration
		// Logger reports handler failures.
		Logger telemetry.Logger
	}

	// Bus is a bus.Bus backed by Pulse.
	Bus struct {
		streams    *streams
		blockFor   time.Duration
		logger     telemetry.Logger
		tracer     trace.Tracer
		mu         sync.Mutex
		closed     bool
		subscribed map[*subscription]struct{}
	}

	subscription struct {
		b         *Bus
		subject   string
		sink      *streaming.Sink
		ephemeral bool
		cancel    context.CancelFunc
		done      chan struct{}
		once      sync.Once
	}
)

// New returns a Pulse-backed bus.
func New(opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	replyTTL := opts.ReplyTTL
	if replyTTL <= 0 {
		replyTTL = 5 * time.Minute
	}
	return &Bus{
		streams:    newStreams(opts.Redis, opts.StreamMaxLen, opts.OperationTimeout, replyTTL),
		blockFor:   opts.SinkBlockDuration,
		logger:     logger,
		tracer:     otel.Tracer("github.com/skilder-ai/toolgate/bus/pulse"),
		subscribed: make(map[*subscription]struct{}),
	}, nil
}

func (b *Bus) Publish(ctx context.Context, subject string, msg *bus.Message) error {
	return b.publish(ctx, subject, msg, false)
}

// PublishReply publishes msg on the reply subject of a request. The reply
// is dropped when the waiter already closed its subscription.
func (b *Bus) PublishReply(ctx context.Context, subject string, msg *bus.Message) error {
	return b.publish(ctx, subject, msg, true)
}

func (b *Bus) publish(ctx context.Context, subject string, msg *bus.Message, reply bool) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	ctx, span := b.tracer.Start(ctx, "bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "pulse"),
			attribute.String("messaging.destination.name", subject),
			attribute.String("messaging.operation", "publish"),
			attribute.String("toolgate.message.type", msg.Type),
		),
	)
	defer span.End()

	payload, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal message")
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	event := msg.Type
	if event == "" {
		event = "message"
	}
	add := b.streams.add
	if reply {
		add = b.streams.reply
	}
	id, err := add(ctx, subject, event, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish to stream")
		return err
	}
	if id == "" {
		b.logger.Debug(ctx, "reply subject gone, reply dropped", "subject", subject, "id", msg.ID)
		span.SetAttributes(attribute.Bool("toolgate.reply.dropped", true))
		return nil
	}
	span.SetAttributes(attribute.String("messaging.message.id", id))
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, subject, group string, h bus.Handler, opts ...bus.SubscribeOption) (bus.Subscription, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}
	if group == "" {
		return nil, errors.New("group is required")
	}
	o := bus.ResolveOptions(opts...)
	stream, err := b.streams.get(subject)
	if err != nil {
		return nil, err
	}
	var sinkOpts []streamopts.Sink
	if b.blockFor > 0 {
		sinkOpts = append(sinkOpts, streamopts.WithSinkBlockDuration(b.blockFor))
	}
	sink, err := stream.NewSink(ctx, group, sinkOpts...)
	if err != nil {
		return nil, fmt.Errorf("create sink %q on %q: %w", group, subject, err)
	}
	if o.Ephemeral && o.TTL > 0 {
		if err := b.streams.expire(ctx, subject, o.TTL); err != nil {
			b.logger.Warn(ctx, "ephemeral stream TTL not set", "subject", subject, "err", err)
		}
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		b:         b,
		subject:   subject,
		sink:      sink,
		ephemeral: o.Ephemeral,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribed[s] = struct{}{}
	b.mu.Unlock()
	go s.run(runCtx, h)
	return s, nil
}

// Close closes every open subscription. The Redis client is owned by the
// caller and left open.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscription, 0, len(b.subscribed))
	for s := range b.subscribed {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	var errs []error
	for _, s := range subs {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (s *subscription) run(ctx context.Context, h bus.Handler) {
	events := s.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handle(ctx, h, ev)
		}
	}
}

func (s *subscription) handle(ctx context.Context, h bus.Handler, ev *streaming.Event) {
	logger := s.b.logger
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "bus handler panicked", "subject", s.subject, "panic", r)
		}
		if err := s.sink.Ack(ctx, ev); err != nil && ctx.Err() == nil {
			logger.Warn(ctx, "ack failed", "subject", s.subject, "event_id", ev.ID, "err", err)
		}
	}()
	var msg bus.Message
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		logger.Warn(ctx, "dropping malformed bus event", "subject", s.subject, "event_id", ev.ID, "err", err)
		return
	}
	if err := h(bus.ExtractTraceContext(ctx, &msg), &msg); err != nil {
		logger.Warn(ctx, "bus handler failed", "subject", s.subject, "type", msg.Type, "err", err)
	}
}

func (s *subscription) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.sink.Close(ctx)
		s.b.mu.Lock()
		delete(s.b.subscribed, s)
		s.b.mu.Unlock()
		if s.ephemeral {
			if derr := s.b.streams.destroy(ctx, s.subject); derr != nil {
				err = fmt.Errorf("destroy stream %q: %w", s.subject, derr)
			}
		}
		close(s.done)
	})
	return err
}

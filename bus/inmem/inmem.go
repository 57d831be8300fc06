// Package inmem provides a process-local bus.Bus.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/skilder-ai/toolgate/bus"
	"github.com/skilder-ai/toolgate/telemetry"
)

type (
	// Bus delivers messages between goroutines of one process.
	Bus struct {
		logger telemetry.Logger

		mu     sync.Mutex
		closed bool
		// subjects maps subject -> group -> members.
		subjects map[string]map[string]*group
	}

	group struct {
		members []*subscription
		next    int
	}

	subscription struct {
		b       *Bus
		subject string
		group   string
		handler bus.Handler
		queue   chan *bus.Message
		done    chan struct{}
		once    sync.Once
		cancel  context.CancelFunc
	}

	// Option configures a Bus.
	Option func(*Bus)
)

const queueSize = 1024

// WithLogger sets the logger used to report handler errors.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New returns an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{logger: telemetry.NewNoopLogger(), subjects: make(map[string]map[string]*group)}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) Publish(ctx context.Context, subject string, msg *bus.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	var targets []*subscription
	for _, g := range b.subjects[subject] {
		if len(g.members) == 0 {
			continue
		}
		targets = append(targets, g.members[g.next%len(g.members)])
		g.next++
	}
	b.mu.Unlock()

	for _, s := range targets {
		m := *msg
		select {
		case s.queue <- &m:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, subject, groupName string, h bus.Handler, _ ...bus.SubscribeOption) (bus.Subscription, error) {
	if subject == "" || groupName == "" {
		return nil, fmt.Errorf("subject and group are required")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		b:       b,
		subject: subject,
		group:   groupName,
		handler: h,
		queue:   make(chan *bus.Message, queueSize),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, bus.ErrClosed
	}
	groups, ok := b.subjects[subject]
	if !ok {
		groups = make(map[string]*group)
		b.subjects[subject] = groups
	}
	g, ok := groups[groupName]
	if !ok {
		g = &group{}
		groups[groupName] = g
	}
	g.members = append(g.members, s)
	b.mu.Unlock()

	go s.run(runCtx)
	return s, nil
}

// Close stops every subscription.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	var subs []*subscription
	for _, groups := range b.subjects {
		for _, g := range groups {
			subs = append(subs, g.members...)
		}
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close(ctx)
	}
	return nil
}

// Subscribers returns the number of subscriptions on subject, for tests.
func (b *Bus) Subscribers(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, g := range b.subjects[subject] {
		n += len(g.members)
	}
	return n
}

func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case m := <-s.queue:
			s.dispatch(ctx, m)
		}
	}
}

func (s *subscription) dispatch(ctx context.Context, m *bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.b.logger.Error(ctx, "bus handler panicked", "subject", s.subject, "panic", r)
		}
	}()
	if err := s.handler(bus.ExtractTraceContext(ctx, m), m); err != nil {
		s.b.logger.Warn(ctx, "bus handler failed", "subject", s.subject, "type", m.Type, "err", err)
	}
}

func (s *subscription) Close(context.Context) error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		b := s.b
		b.mu.Lock()
		defer b.mu.Unlock()
		groups := b.subjects[s.subject]
		g := groups[s.group]
		if g == nil {
			return
		}
		for i, m := range g.members {
			if m == s {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
		if len(g.members) == 0 {
			delete(groups, s.group)
		}
		if len(groups) == 0 {
			delete(b.subjects, s.subject)
		}
	})
	return nil
}

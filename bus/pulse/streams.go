package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

const (
	// maxHandles bounds the cached stream handles.
	maxHandles = 1024
	// handleIdle evicts handles unused for that long.
	handleIdle = 10 * time.Minute
)

type (
	// streams opens and caches Pulse stream handles by name. Handles are
	// plain descriptors of a Redis key so evicting one never affects an
	// open sink.
	streams struct {
		rdb      *redis.Client
		maxLen   int
		timeout  time.Duration
		replyTTL time.Duration

		mu      sync.Mutex
		handles *expirable.LRU[string, *streaming.Stream]
	}
)

// streamKey is the Redis key Pulse uses for the stream name.
func streamKey(name string) string {
	return fmt.Sprintf("pulse:stream:%s", name)
}

func newStreams(rdb *redis.Client, maxLen int, timeout, replyTTL time.Duration) *streams {
	return &streams{
		rdb:      rdb,
		maxLen:   maxLen,
		timeout:  timeout,
		replyTTL: replyTTL,
		handles:  expirable.NewLRU[string, *streaming.Stream](maxHandles, nil, handleIdle),
	}
}

// get returns the stream handle for name, creating it on first use.
func (s *streams) get(name string) (*streaming.Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles.Get(name); ok {
		return h, nil
	}
	h, err := s.open(name)
	if err != nil {
		return nil, err
	}
	s.handles.Add(name, h)
	return h, nil
}

func (s *streams) open(name string, extra ...streamopts.Stream) (*streaming.Stream, error) {
	var opts []streamopts.Stream
	if s.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(s.maxLen))
	}
	h, err := streaming.NewStream(name, s.rdb, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %q: %w", name, err)
	}
	return h, nil
}

// add publishes payload on the named stream, bounded by the operation timeout.
func (s *streams) add(ctx context.Context, name, event string, payload []byte) (string, error) {
	h, err := s.get(name)
	if err != nil {
		return "", err
	}
	return s.xadd(ctx, h, event, payload)
}

// reply publishes payload on the reply stream name only if the stream still
// exists. The handle is not cached and the stream gets the reply TTL unless
// it already expires. It returns the empty string when the stream is gone.
func (s *streams) reply(ctx context.Context, name, event string, payload []byte) (string, error) {
	if name == "" {
		return "", errors.New("stream name is required")
	}
	var opts []streamopts.Stream
	if s.replyTTL > 0 {
		opts = append(opts, streamopts.WithStreamTTL(s.replyTTL))
	}
	h, err := s.open(name, opts...)
	if err != nil {
		return "", err
	}
	return s.xadd(ctx, h, event, payload, streamopts.WithOnlyIfStreamExists())
}

func (s *streams) xadd(ctx context.Context, h *streaming.Stream, event string, payload []byte, opts ...streamopts.AddEvent) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	id, err := h.Add(ctx, event, payload, opts...)
	if err != nil {
		return "", fmt.Errorf("pulse add to %q: %w", h.Name, err)
	}
	return id, nil
}

// destroy deletes the named stream and forgets its handle.
func (s *streams) destroy(ctx context.Context, name string) error {
	h, err := s.get(name)
	if err != nil {
		return err
	}
	s.handles.Remove(name)
	return h.Destroy(ctx)
}

// expire bounds the lifetime of the named stream.
func (s *streams) expire(ctx context.Context, name string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, streamKey(name), ttl).Err(); err != nil {
		return fmt.Errorf("set TTL on stream %q: %w", name, err)
	}
	return nil
}

// cached returns the number of cached handles.
func (s *streams) cached() int {
	return s.handles.Len()
}

package inmem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skilder-ai/toolgate/cache"
	"github.com/skilder-ai/toolgate/cache/cachetest"
)

func TestConformance(t *testing.T) {
	cachetest.Run(t, func(*testing.T) cache.Cache { return New() })
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestIncrRestartsAfterExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(WithClock(clock.Now))
	ctx := context.Background()

	n, err := c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n.Count)
	assert.Equal(t, time.Unix(1060, 0), n.ExpiresAt)

	clock.Advance(59 * time.Second)
	n, err = c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n.Count)

	clock.Advance(2 * time.Second)
	n, err = c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n.Count)
	assert.Equal(t, time.Unix(1121, 0), n.ExpiresAt)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

// Package bustest is a conformance suite for bus.Bus backends.
package bustest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skilder-ai/toolgate/bus"
)

// Run exercises newBus against the bus.Bus contract.
func Run(t *testing.T, newBus func(t *testing.T) bus.Bus) {
	t.Run("publish reaches subscriber", func(t *testing.T) {
		b := newBus(t)
		ctx := context.Background()
		got := make(chan *bus.Message, 1)
		sub, err := b.Subscribe(ctx, "s1", "g", func(_ context.Context, m *bus.Message) error {
			got <- m
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Close(ctx) }()

		msg, err := bus.NewMessage(bus.TypeCall, map[string]string{"k": "v"})
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, "s1", msg))

		select {
		case m := <-got:
			assert.Equal(t, bus.TypeCall, m.Type)
			var data map[string]string
			require.NoError(t, m.Decode(&data))
			assert.Equal(t, "v", data["k"])
		case <-time.After(5 * time.Second):
			t.Fatal("message not delivered")
		}
	})

	t.Run("groups fan out and members share", func(t *testing.T) {
		b := newBus(t)
		ctx := context.Background()
		var a1, a2, other atomic.Int32
		subs := []struct {
			group string
			n     *atomic.Int32
		}{{"a", &a1}, {"a", &a2}, {"b", &other}}
		for _, s := range subs {
			sub, err := b.Subscribe(ctx, "s2", s.group, func(context.Context, *bus.Message) error {
				s.n.Add(1)
				return nil
			})
			require.NoError(t, err)
			defer func() { _ = sub.Close(ctx) }()
		}
		const n = 10
		for range n {
			require.NoError(t, b.Publish(ctx, "s2", &bus.Message{Type: "x"}))
		}
		assert.Eventually(t, func() bool {
			return a1.Load()+a2.Load() == n && other.Load() == n
		}, 10*time.Second, 20*time.Millisecond)
	})

	t.Run("subjects are isolated", func(t *testing.T) {
		b := newBus(t)
		ctx := context.Background()
		var n atomic.Int32
		sub, err := b.Subscribe(ctx, "t:a:call:1:reply", "g", func(context.Context, *bus.Message) error {
			n.Add(1)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Close(ctx) }()
		require.NoError(t, b.Publish(ctx, "t:b:call:1:reply", &bus.Message{Type: "x"}))
		require.NoError(t, b.Publish(ctx, "t:a:call:1:reply", &bus.Message{Type: "x"}))
		assert.Eventually(t, func() bool { return n.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		assert.EqualValues(t, 1, n.Load())
	})

	t.Run("request reply", func(t *testing.T) {
		b := newBus(t)
		ctx := context.Background()
		sub, err := b.Subscribe(ctx, "svc", "workers", func(ctx context.Context, m *bus.Message) error {
			return bus.Reply(ctx, b, m, &bus.Message{Type: bus.TypeReply, Data: m.Data})
		})
		require.NoError(t, err)
		defer func() { _ = sub.Close(ctx) }()

		resp, err := bus.Request(ctx, b, "svc", &bus.Message{Type: bus.TypeCall, Data: []byte(`"ping"`)}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, bus.TypeReply, resp.Type)
		assert.JSONEq(t, `"ping"`, string(resp.Data))
	})

	t.Run("request times out", func(t *testing.T) {
		b := newBus(t)
		start := time.Now()
		_, err := bus.Request(context.Background(), b, "nobody", &bus.Message{Type: bus.TypeCall}, 200*time.Millisecond)
		assert.ErrorIs(t, err, bus.ErrTimeout)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("closed subscription stops delivery", func(t *testing.T) {
		b := newBus(t)
		ctx := context.Background()
		var mu sync.Mutex
		count := 0
		sub, err := b.Subscribe(ctx, "s3", "g", func(context.Context, *bus.Message) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, sub.Close(ctx))
		require.NoError(t, b.Publish(ctx, "s3", &bus.Message{Type: "x"}))
		time.Sleep(200 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		assert.Zero(t, count)
	})
}

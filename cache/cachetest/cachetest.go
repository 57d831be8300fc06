// Package cachetest is a conformance suite for cache.Cache backends.
package cachetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skilder-ai/toolgate/cache"
)

// Run exercises newCache against the cache.Cache contract.
func Run(t *testing.T, newCache func(t *testing.T) cache.Cache) {
	t.Run("get missing", func(t *testing.T) {
		c := newCache(t)
		_, err := c.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("set get delete", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
		got, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
		require.NoError(t, c.Delete(ctx, "k"))
		require.NoError(t, c.Delete(ctx, "k"))
		_, err = c.Get(ctx, "k")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("setnx", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		ok, err := c.SetNX(ctx, "k", []byte("a"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = c.SetNX(ctx, "k", []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		got, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got)
	})

	t.Run("compare and swap", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		ok, err := c.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), 0)
		require.NoError(t, err)
		assert.False(t, ok, "absent key must not swap")

		require.NoError(t, c.Set(ctx, "k", []byte("a"), 0))
		ok, err = c.CompareAndSwap(ctx, "k", []byte("x"), []byte("b"), 0)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = c.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), 0)
		require.NoError(t, err)
		assert.True(t, ok)
		got, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), got)
	})

	t.Run("concurrent compare and swap has one winner", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", []byte("0"), 0))
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := c.CompareAndSwap(ctx, "k", []byte("0"), []byte(fmt.Sprint(i+1)), 0)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("incr", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		first, err := c.Incr(ctx, "n", time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 1, first.Count)
		assert.WithinDuration(t, time.Now().Add(time.Minute), first.ExpiresAt, 5*time.Second)
		second, err := c.Incr(ctx, "n", time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 2, second.Count)
		assert.WithinDuration(t, first.ExpiresAt, second.ExpiresAt, time.Second)
	})

	t.Run("ttl expires", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", []byte("v"), 50*time.Millisecond))
		assert.Eventually(t, func() bool {
			_, err := c.Get(ctx, "k")
			return err == cache.ErrNotFound
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("keys by prefix", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		for _, k := range []string{"a:1", "a:2", "b:1", "a*:3"} {
			require.NoError(t, c.Set(ctx, k, []byte("v"), 0))
		}
		keys, err := c.Keys(ctx, "a:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a:1", "a:2"}, keys)
		keys, err = c.Keys(ctx, "a*")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a*:3"}, keys)
	})
}

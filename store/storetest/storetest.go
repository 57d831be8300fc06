// Package storetest is a conformance suite for store.Store backends.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skilder-ai/toolgate/store"
)

// Run exercises newStore against the store.Store contract.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("runtime mirror", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		r := &store.Runtime{ID: "r1", Tenant: "acme", Name: "laptop", Kind: store.KindEdge, Lifecycle: store.Active, LastSeenAt: time.Now().UTC()}
		require.NoError(t, s.SaveRuntime(ctx, r))
		require.NoError(t, s.SaveRuntime(ctx, &store.Runtime{ID: "r1", Tenant: "globex", Name: "other"}))

		got, err := s.GetRuntime(ctx, "acme", "r1")
		require.NoError(t, err)
		assert.Equal(t, "laptop", got.Name)
		list, err := s.ListRuntimes(ctx, "acme")
		require.NoError(t, err)
		assert.Len(t, list, 1)
		_, err = s.GetRuntime(ctx, "acme", "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("provider invariant", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		err := s.SaveProvider(ctx, &store.ToolProvider{ID: "p", Tenant: "acme", Target: store.TargetEmbedded, OwnerRuntime: "r1"})
		assert.Error(t, err)
		require.NoError(t, s.SaveProvider(ctx, &store.ToolProvider{ID: "p", Tenant: "acme", Transport: store.TransportStdio, Target: store.TargetEdge, OwnerRuntime: "r1"}))
		p, err := s.GetProvider(ctx, "acme", "p")
		require.NoError(t, err)
		assert.Equal(t, "r1", p.OwnerRuntime)
		_, err = s.GetProvider(ctx, "globex", "p")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("reconcile never deletes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		schema := json.RawMessage(`{"type":"object"}`)
		rec, err := s.ReconcileTools(ctx, "acme", "p", []*store.Tool{{Name: "a", InputSchema: schema}, {Name: "b"}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, rec.Added)

		rec, err = s.ReconcileTools(ctx, "acme", "p", []*store.Tool{{Name: "a", InputSchema: schema}, {Name: "c"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, rec.Added)
		assert.Equal(t, []string{"b"}, rec.Deactivated)

		tools, err := s.ListTools(ctx, "acme", "p")
		require.NoError(t, err)
		status := map[string]store.Lifecycle{}
		for _, tl := range tools {
			status[tl.Name] = tl.Status
		}
		assert.Equal(t, map[string]store.Lifecycle{"a": store.Active, "b": store.Inactive, "c": store.Active}, status)

		rec, err = s.ReconcileTools(ctx, "acme", "p", []*store.Tool{{Name: "a", InputSchema: schema}, {Name: "b"}, {Name: "c"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, rec.Reactivated)
		assert.Empty(t, rec.Added)
	})

	t.Run("tool call completes once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		called := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.CreateToolCall(ctx, &store.ToolCall{ID: "c1", Tenant: "acme", ToolName: "echo", Status: store.CallPending, CalledAt: called}))
		assert.ErrorIs(t, s.CreateToolCall(ctx, &store.ToolCall{ID: "c1", Tenant: "acme"}), store.ErrExists)

		done := called.Add(time.Second)
		require.NoError(t, s.CompleteToolCall(ctx, &store.ToolCall{ID: "c1", Tenant: "acme", Status: store.CallCompleted, CompletedAt: &done, Output: json.RawMessage(`{"ok":true}`)}))
		err := s.CompleteToolCall(ctx, &store.ToolCall{ID: "c1", Tenant: "acme", Status: store.CallFailed, CompletedAt: &done, Error: &store.CallError{Kind: "x", Message: "late"}})
		assert.ErrorIs(t, err, store.ErrAlreadyTerminal)

		got, err := s.GetToolCall(ctx, "acme", "c1")
		require.NoError(t, err)
		assert.Equal(t, store.CallCompleted, got.Status)
		assert.JSONEq(t, `{"ok":true}`, string(got.Output))
		assert.Nil(t, got.Error)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.After(got.CalledAt))

		assert.ErrorIs(t, s.CompleteToolCall(ctx, &store.ToolCall{ID: "nope", Tenant: "acme", Status: store.CallFailed, CompletedAt: &done}), store.ErrNotFound)
	})

	t.Run("concurrent completions have one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateToolCall(ctx, &store.ToolCall{ID: "c2", Tenant: "acme", Status: store.CallPending, CalledAt: time.Now()}))
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				now := time.Now()
				status := store.CallCompleted
				if i%2 == 1 {
					status = store.CallFailed
				}
				err := s.CompleteToolCall(ctx, &store.ToolCall{ID: "c2", Tenant: "acme", Status: status, CompletedAt: &now})
				if err == nil {
					wins.Add(1)
					return
				}
				assert.True(t, errors.Is(err, store.ErrAlreadyTerminal), "unexpected error %v", err)
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load())
	})

	t.Run("skills by name", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, err := s.CreateSkill(ctx, &store.Skill{Tenant: "acme", Name: "files", Providers: []string{"fs"}})
		require.NoError(t, err)
		require.NotEmpty(t, a.ID)
		b, err := s.CreateSkill(ctx, &store.Skill{Tenant: "acme", Name: "files"})
		require.NoError(t, err)
		assert.Equal(t, a.ID, b.ID)

		found, err := s.FindSkill(ctx, "acme", "files")
		require.NoError(t, err)
		assert.Equal(t, []string{"fs"}, found.Providers)
		_, err = s.FindSkill(ctx, "globex", "files")
		assert.ErrorIs(t, err, store.ErrNotFound)
		got, err := s.GetSkill(ctx, "acme", a.ID)
		require.NoError(t, err)
		assert.Equal(t, "files", got.Name)
	})
}

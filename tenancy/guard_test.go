package tenancy

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skilder-ai/toolgate"
)

type countingResolver struct {
	Resolver
	calls atomic.Int32
}

func (c *countingResolver) Resolve(ctx context.Context, key string) (Identity, error) {
	c.calls.Add(1)
	return c.Resolver.Resolve(ctx, key)
}

func TestGuardResolveCaches(t *testing.T) {
	static := NewStaticResolver()
	static.AddWorkspaceKey("WSK_a", "acme")
	static.AddSkillKey("SKL_a", "acme", "skill-1")
	r := &countingResolver{Resolver: static}
	g := NewGuard(r)
	ctx := context.Background()

	id, err := g.Resolve(ctx, "WSK_a")
	require.NoError(t, err)
	assert.Equal(t, "acme", id.Scope.Tenant)
	assert.Equal(t, KindWorkspace, id.Kind)

	_, err = g.Resolve(ctx, "WSK_a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.calls.Load())

	id, err = g.Resolve(ctx, "SKL_a")
	require.NoError(t, err)
	assert.Equal(t, "skill-1", id.SkillID)
}

func TestGuardRejectsUnknownAndRevoked(t *testing.T) {
	static := NewStaticResolver()
	static.AddWorkspaceKey("WSK_a", "acme")
	g := NewGuard(static)
	ctx := context.Background()

	_, err := g.Resolve(ctx, "WSK_missing")
	assert.True(t, toolgate.IsKind(err, toolgate.KindAuthRejected))

	_, err = g.Resolve(ctx, "")
	assert.True(t, toolgate.IsKind(err, toolgate.KindAuthRejected))

	_, err = g.Resolve(ctx, "WSK_a")
	require.NoError(t, err)
	static.Remove("WSK_a")
	g.Revoke("WSK_a")
	_, err = g.Resolve(ctx, "WSK_a")
	assert.True(t, toolgate.IsKind(err, toolgate.KindAuthRejected))
}

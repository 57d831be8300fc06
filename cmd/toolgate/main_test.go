package main

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/skilder-ai/toolgate/config"
	"github.com/skilder-ai/toolgate/gateway"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/tenancy"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Tenants = []config.TenantConfig{{
		ID:            "acme",
		WorkspaceKeys: []string{"WSK_acme"},
		Skills: []config.SkillConfig{
			{ID: "ops", Name: "ops", Key: "SKL_ops", Providers: []string{"desktop", "files"}},
			{Name: "all"},
		},
		Providers: []config.ProviderConfig{
			{ID: "desktop", Target: "AGENT-EMBEDDED", Builtin: "filesystem"},
			{ID: "browser", Target: "AGENT-EMBEDDED", Transport: "stdio", Command: "browser-mcp"},
			{ID: "files", Target: "EDGE", Builtin: "filesystem"},
			{ID: "search", Target: "EDGE", Transport: "stream", URL: "http://search.internal/mcp"},
		},
	}}
	return cfg
}

func testContext() context.Context {
	return log.Context(context.Background(), log.WithOutput(io.Discard))
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "stdio", "edge"})
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}

func TestOpenCoreSeedsTenants(t *testing.T) {
	ctx := testContext()
	c, err := openCore(ctx, testConfig())
	require.NoError(t, err)
	defer func() { assert.NoError(t, c.Close(ctx)) }()

	ident, err := c.guard.Resolve(ctx, "WSK_acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", ident.Scope.Tenant)
	assert.Equal(t, tenancy.KindWorkspace, ident.Kind)

	ident, err = c.guard.Resolve(ctx, "SKL_ops")
	require.NoError(t, err)
	assert.Equal(t, tenancy.KindSkill, ident.Kind)
	assert.Equal(t, "ops", ident.SkillID)

	sk, err := c.store.FindSkill(ctx, "acme", "all")
	require.NoError(t, err)
	assert.NotEmpty(t, sk.ID)

	_, err = c.guard.Resolve(ctx, "WSK_unknown")
	assert.Error(t, err)
}

func TestEmbeddedProvidersFollowTheSkill(t *testing.T) {
	ctx := testContext()
	cfg := testConfig()
	c, err := openCore(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = c.Close(ctx) }()

	scope := tenancy.Scope{Tenant: "acme"}
	pcs, err := embeddedProviders(ctx, c, cfg, gateway.NewSession(scope, "ops", gateway.BindingStdio))
	require.NoError(t, err)
	require.Len(t, pcs, 1)
	assert.Equal(t, "desktop", pcs[0].ID)

	all, err := c.store.FindSkill(ctx, "acme", "all")
	require.NoError(t, err)
	pcs, err = embeddedProviders(ctx, c, cfg, gateway.NewSession(scope, all.ID, gateway.BindingStdio))
	require.NoError(t, err)
	assert.Len(t, pcs, 2)
}

func TestEdgeProviders(t *testing.T) {
	cfg := testConfig()
	cfg.Edge.Providers = []string{"files", "search"}
	pcs, err := edgeProviders(cfg)
	require.NoError(t, err)
	require.Len(t, pcs, 2)

	d, err := describe(cfg, pcs)
	require.NoError(t, err)
	assert.Equal(t, store.KindEdge, d.Kind)
	assert.NotEmpty(t, d.Name)
	assert.NotZero(t, d.ProcessID)
	require.Len(t, d.Providers, 2)
	assert.Equal(t, store.TransportStdio, d.Providers[0].Transport)
	assert.JSONEq(t, `{"builtin":"filesystem"}`, string(d.Providers[0].Config))
	assert.Equal(t, store.TransportStream, d.Providers[1].Transport)

	cfg.Edge.Providers = []string{"missing"}
	_, err = edgeProviders(cfg)
	assert.ErrorContains(t, err, "missing")
}

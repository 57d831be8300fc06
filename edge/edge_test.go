package edge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/bus"
	businmem "github.com/skilder-ai/toolgate/bus/inmem"
	cacheinmem "github.com/skilder-ai/toolgate/cache/inmem"
	"github.com/skilder-ai/toolgate/registry"
	"github.com/skilder-ai/toolgate/router"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/store/memory"
	"github.com/skilder-ai/toolgate/telemetry"
	"github.com/skilder-ai/toolgate/tenancy"
	"github.com/skilder-ai/toolgate/toolhost"
)

var acme = tenancy.Scope{Tenant: "acme"}

type harness struct {
	bus    bus.Bus
	store  *memory.Store
	reg    *registry.Registry
	router *router.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	b := businmem.New()
	st := memory.New()
	reg, err := registry.New(registry.Options{Cache: cacheinmem.New(), Store: st})
	require.NoError(t, err)
	resolver := tenancy.NewStaticResolver()
	resolver.AddWorkspaceKey("WSK_acme", "acme")
	svc, err := registry.NewService(registry.ServiceOptions{
		Registry: reg,
		Syncer:   registry.NewSyncer(b, reg, st, registry.SyncerOptions{Timeout: time.Second}),
		Guard:    tenancy.NewGuard(resolver),
		Bus:      b,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	r, err := router.New(router.Options{Store: st, Owners: reg, Bus: b, CallTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = svc.Close(ctx)
		_ = b.Close(ctx)
	})
	return &harness{bus: b, store: st, reg: reg, router: r}
}

func (h *harness) agent(t *testing.T, key, root string) *Agent {
	t.Helper()
	fs, err := toolhost.Filesystem([]string{root})
	require.NoError(t, err)
	hosts := toolhost.NewSet()
	hosts.Add("fs", fs)
	a, err := New(Options{
		Bus:          h.bus,
		Hosts:        hosts,
		WorkspaceKey: key,
		Descriptor: registry.Descriptor{
			Name:          "laptop",
			Kind:          store.KindEdge,
			DeclaredRoots: []string{root},
			Providers:     []registry.ProviderSpec{{ID: "fs", Transport: store.TransportStdio}},
		},
		RequestTimeout: time.Second,
	})
	require.NoError(t, err)
	return a
}

func TestAgentServesRoutedCalls(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o600))
	a := h.agent(t, "WSK_acme", root)
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	assert.NotEmpty(t, a.RuntimeID())
	assert.Equal(t, acme, a.Scope())

	sess := &router.Session{ID: "s1", Scope: acme}
	res, err := h.router.Route(ctx, sess, "list_directory", []byte(`{"path":`+quote(root)+`}`))
	require.NoError(t, err)
	assert.Equal(t, store.CallCompleted, res.Status)
	assert.Equal(t, a.RuntimeID(), res.RuntimeID)
	assert.Contains(t, string(res.Output), "notes.txt")

	call, err := h.store.GetToolCall(ctx, "acme", res.CallID)
	require.NoError(t, err)
	assert.Equal(t, store.CallCompleted, call.Status)

	res, err = h.router.Route(ctx, sess, "list_directory", []byte(`{"path":"/"}`))
	require.Error(t, err)
	assert.True(t, toolgate.IsKind(err, toolgate.KindToolError))
	assert.Equal(t, store.CallFailed, res.Status)

	require.NoError(t, a.Heartbeat(ctx))
	require.NoError(t, a.Shutdown(ctx))
	_, err = h.router.Route(ctx, sess, "list_directory", []byte(`{"path":`+quote(root)+`}`))
	assert.True(t, toolgate.IsKind(err, toolgate.KindToolUnavailable))
}

func TestAgentRejectedKey(t *testing.T) {
	h := newHarness(t)
	a := h.agent(t, "WSK_nope", t.TempDir())
	err := a.Start(context.Background())
	require.Error(t, err)
	assert.True(t, toolgate.IsKind(err, toolgate.KindAuthRejected))
	assert.Empty(t, a.RuntimeID())
}

func TestAgentRunShutsDownOnCancel(t *testing.T) {
	h := newHarness(t)
	a := h.agent(t, "WSK_acme", t.TempDir())
	a.interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.RuntimeID() != "" }, 2*time.Second, 5*time.Millisecond)
	id := a.RuntimeID()
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rec, err := h.reg.Get(context.Background(), acme, id)
	require.NoError(t, err)
	assert.Equal(t, store.Inactive, rec.Lifecycle)
}

func TestEmbeddedServesOnlyItsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	host := toolhost.NewFuncHost()
	host.Add(mcp.NewTool("open_tab", mcp.WithString("url", mcp.Required())), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		u, _ := req.GetArguments()["url"].(string)
		return mcp.NewToolResultText("opened " + u), nil
	})
	hosts := toolhost.NewSet()
	hosts.Add("browser", host)

	ids, err := Register(ctx, h.store, acme, "s-owner", hosts, store.TransportStdio)
	require.NoError(t, err)
	assert.Equal(t, []string{"browser@s-owner"}, ids)

	emb, err := NewEmbedded(h.bus, hosts, acme, "s-owner", nil, nil)
	require.NoError(t, err)
	require.NoError(t, emb.Start(ctx))
	defer func() { _ = emb.Close(ctx) }()

	owner := &router.Session{ID: "s-owner", Scope: acme, Embedded: ids}
	res, err := h.router.Route(ctx, owner, "open_tab", []byte(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	assert.Contains(t, string(res.Output), "opened https://example.com")

	other := &router.Session{ID: "s-other", Scope: acme}
	_, err = h.router.Route(ctx, other, "open_tab", []byte(`{"url":"https://example.com"}`))
	assert.True(t, toolgate.IsKind(err, toolgate.KindNotFound))
}

// Two sessions hosting the same embedded provider with different tools keep
// their own inventories; ending one session retires only its tools.
func TestEmbeddedInventoriesArePerSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hostWith := func(tool string) *toolhost.Set {
		host := toolhost.NewFuncHost()
		host.Add(mcp.NewTool(tool), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(tool), nil
		})
		hosts := toolhost.NewSet()
		hosts.Add("desktop", host)
		return hosts
	}
	hostsA, hostsB := hostWith("screenshot"), hostWith("clipboard")

	idsA, err := Register(ctx, h.store, acme, "s-a", hostsA, store.TransportStdio)
	require.NoError(t, err)
	idsB, err := Register(ctx, h.store, acme, "s-b", hostsB, store.TransportStdio)
	require.NoError(t, err)

	for _, c := range []struct {
		ids  []string
		tool string
	}{{idsA, "screenshot"}, {idsB, "clipboard"}} {
		require.Len(t, c.ids, 1)
		tools, err := h.store.ListTools(ctx, "acme", c.ids[0])
		require.NoError(t, err)
		require.Len(t, tools, 1)
		assert.Equal(t, c.tool, tools[0].Name)
		assert.Equal(t, store.Active, tools[0].Status)
	}

	embA, err := NewEmbedded(h.bus, hostsA, acme, "s-a", nil, nil)
	require.NoError(t, err)
	require.NoError(t, embA.Start(ctx))
	defer func() { _ = embA.Close(ctx) }()
	res, err := h.router.Route(ctx, &router.Session{ID: "s-a", Scope: acme, Embedded: idsA}, "screenshot", []byte(`{}`))
	require.NoError(t, err)
	assert.Contains(t, string(res.Output), "screenshot")

	require.NoError(t, Unregister(ctx, h.store, acme, idsB))
	tools, err := h.store.ListTools(ctx, "acme", idsB[0])
	require.NoError(t, err)
	assert.Equal(t, store.Inactive, tools[0].Status)
	tools, err = h.store.ListTools(ctx, "acme", idsA[0])
	require.NoError(t, err)
	assert.Equal(t, store.Active, tools[0].Status)
}

func TestLocalProviderID(t *testing.T) {
	id := SessionProviderID("s1", "desktop")
	assert.Equal(t, "desktop", LocalProviderID("s1", id))
	assert.Equal(t, id, LocalProviderID("s2", id))
	assert.Equal(t, "desktop", LocalProviderID("s1", "desktop"))
}

func TestExecutorReportsUnknownProvider(t *testing.T) {
	metrics := telemetry.NewMemoryMetrics()
	e := newExecutor(businmem.New(), toolhost.NewSet(), func() string { return "rt-1" }, telemetry.NewNoopLogger(), metrics)
	reply := e.execute(context.Background(), &router.CallRequest{ToolName: "x", ProviderID: "ghost"})
	assert.Equal(t, store.CallFailed, reply.Status)
	assert.Equal(t, "rt-1", reply.RuntimeID)
	require.NotNil(t, reply.Error)
	assert.Equal(t, toolgate.KindToolUnavailable, reply.Error.Kind)
	assert.Equal(t, float64(1), metrics.Counter(telemetry.MetricHostCalls))
}

func quote(s string) string {
	return `"` + filepath.ToSlash(s) + `"`
}

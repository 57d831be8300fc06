package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/skilder-ai/toolgate/bus"
	businmem "github.com/skilder-ai/toolgate/bus/inmem"
	"github.com/skilder-ai/toolgate/cache"
	cacheinmem "github.com/skilder-ai/toolgate/cache/inmem"
	"github.com/skilder-ai/toolgate/edge"
	"github.com/skilder-ai/toolgate/registry"
	"github.com/skilder-ai/toolgate/router"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/store/memory"
	"github.com/skilder-ai/toolgate/telemetry"
	"github.com/skilder-ai/toolgate/tenancy"
	"github.com/skilder-ai/toolgate/toolhost"
)

var acme = tenancy.Scope{Tenant: "acme"}

const testSecret = "test-secret-test-secret-test-sec"

// harness runs a gateway core backed by in-memory components and one EDGE
// runtime hosting the "tools" provider.
type harness struct {
	bus      bus.Bus
	cache    cache.Cache
	store    *memory.Store
	guard    *tenancy.Guard
	router   *router.Router
	auth     *Authenticator
	sessions *Sessions
	metrics  *telemetry.MemoryMetrics
	agent    *edge.Agent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	b := businmem.New()
	c := cacheinmem.New()
	st := memory.New()
	reg, err := registry.New(registry.Options{Cache: c, Store: st})
	require.NoError(t, err)

	resolver := tenancy.NewStaticResolver()
	resolver.AddWorkspaceKey("WSK_acme", "acme")
	resolver.AddWorkspaceKey("WSK_globex", "globex")
	sk, err := st.CreateSkill(ctx, &store.Skill{Tenant: "acme", Name: "ops"})
	require.NoError(t, err)
	resolver.AddSkillKey("SKL_ops", "acme", sk.ID)
	guard := tenancy.NewGuard(resolver)

	svc, err := registry.NewService(registry.ServiceOptions{
		Registry: reg,
		Syncer:   registry.NewSyncer(b, reg, st, registry.SyncerOptions{Timeout: time.Second}),
		Guard:    guard,
		Bus:      b,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	metrics := telemetry.NewMemoryMetrics()
	r, err := router.New(router.Options{Store: st, Owners: reg, Bus: b, CallTimeout: 2 * time.Second, Metrics: metrics})
	require.NoError(t, err)
	sessions, err := NewSessions(c, []byte(testSecret), time.Hour)
	require.NoError(t, err)

	hosts := toolhost.NewSet()
	hosts.Add("tools", testTools())
	agent, err := edge.New(edge.Options{
		Bus:          b,
		Hosts:        hosts,
		WorkspaceKey: "WSK_acme",
		Descriptor: registry.Descriptor{
			Name:      "worker",
			Kind:      store.KindEdge,
			Providers: []registry.ProviderSpec{{ID: "tools", Transport: store.TransportStdio}},
		},
		RequestTimeout: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, agent.Start(ctx))

	t.Cleanup(func() {
		_ = agent.Shutdown(ctx)
		_ = svc.Close(ctx)
		_ = b.Close(ctx)
	})
	return &harness{
		bus:      b,
		cache:    c,
		store:    st,
		guard:    guard,
		router:   r,
		auth:     NewAuthenticator(guard, st, nil),
		sessions: sessions,
		metrics:  metrics,
		agent:    agent,
	}
}

func (h *harness) dispatcher(t *testing.T, rps float64, burst int) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatcherOptions{
		Router:         h.router,
		ServerName:     "toolgate-test",
		ServerVersion:  "1.0.0",
		CallsPerSecond: rps,
		Burst:          burst,
		Metrics:        h.metrics,
	})
	require.NoError(t, err)
	return d
}

// testTools are the tools of the test runtime. fail always reports a tool
// error.
func testTools() *toolhost.FuncHost {
	h := toolhost.NewFuncHost()
	h.Add(mcp.NewTool("echo",
		mcp.WithDescription("Echoes its input"),
		mcp.WithString("text", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, _ := req.GetArguments()["text"].(string)
		return mcp.NewToolResultText(text), nil
	})
	h.Add(mcp.NewTool("fail", mcp.WithDescription("Always fails")),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, errors.New("disk on fire")
		})
	h.Add(mcp.NewTool("slow", mcp.WithDescription("Answers after a pause")),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			time.Sleep(200 * time.Millisecond)
			return mcp.NewToolResultText("done"), nil
		})
	return h
}

// toolResult is the decoded result of tools/call.
type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError           bool `json:"isError"`
	StructuredContent struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
		CallID string `json:"callId"`
	} `json:"structuredContent"`
}

// rpcReply is a decoded response envelope.
type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func decodeReply(t *testing.T, data []byte) rpcReply {
	t.Helper()
	var r rpcReply
	require.NoError(t, json.Unmarshal(data, &r), string(data))
	return r
}

func (r rpcReply) tool(t *testing.T) toolResult {
	t.Helper()
	require.Nil(t, r.Error)
	var res toolResult
	require.NoError(t, json.Unmarshal(r.Result, &res), string(r.Result))
	return res
}

func (r rpcReply) text() string {
	var res toolResult
	if json.Unmarshal(r.Result, &res) != nil || len(res.Content) == 0 {
		return ""
	}
	return res.Content[0].Text
}

func callEnvelope(id int, tool, args string) string {
	return `{"jsonrpc":"2.0","id":` + strconv.Itoa(id) + `,"method":"tools/call","params":{"name":"` + tool + `","arguments":` + args + `}}`
}

const initializeEnvelope = `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`

package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skilder-ai/toolgate/config"
	"github.com/skilder-ai/toolgate/registry"
	"github.com/skilder-ai/toolgate/store"
)

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return tc.Text
}

func TestFilesystemListsInsideRoots(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o600))
	h, err := Filesystem([]string{root})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := h.CallTool(ctx, "list_directory", json.RawMessage(`{"path":`+quote(root)+`}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	out := text(t, res)
	assert.Contains(t, out, "[DIR] docs")
	assert.Contains(t, out, "[FILE] a.txt")

	res, err = h.CallTool(ctx, "list_directory", json.RawMessage(`{"path":`+quote(filepath.Join(root, "docs"))+`}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
}

func TestFilesystemRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))
	h, err := Filesystem([]string{root})
	require.NoError(t, err)
	ctx := context.Background()

	for _, p := range []string{outside, filepath.Join(root, ".."), filepath.Join(root, "link"), filepath.Join(root, "missing")} {
		res, err := h.CallTool(ctx, "list_directory", json.RawMessage(`{"path":`+quote(p)+`}`))
		require.NoError(t, err, p)
		assert.True(t, res.IsError, p)
	}
	res, err := h.CallTool(ctx, "list_directory", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "path is required", text(t, res))
}

func TestFuncHostListsAndCalls(t *testing.T) {
	h := NewFuncHost()
	h.Add(mcp.NewTool("echo", mcp.WithString("msg", mcp.Required())), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msg, _ := req.GetArguments()["msg"].(string)
		return mcp.NewToolResultText(msg), nil
	})
	h.Add(mcp.NewTool("boom"), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, errors.New("kaput")
	})
	ctx := context.Background()

	specs, err := h.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "boom", specs[0].Name)
	assert.Equal(t, "echo", specs[1].Name)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(specs[1].InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"msg"}, schema["required"])

	res, err := h.CallTool(ctx, "echo", json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", text(t, res))

	res, err = h.CallTool(ctx, "boom", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "kaput", text(t, res))

	res, err = h.CallTool(ctx, "nope", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = h.CallTool(ctx, "echo", json.RawMessage(`[1]`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

type failingHost struct{ FuncHost }

func (*failingHost) ListTools(context.Context) ([]registry.ToolSpec, error) {
	return nil, errors.New("unreachable")
}

func TestSetInventoryReportsFailuresAsEmpty(t *testing.T) {
	set := NewSet()
	fs, err := Filesystem([]string{t.TempDir()})
	require.NoError(t, err)
	set.Add("fs", fs)
	set.Add("down", &failingHost{})

	inv, errs := set.Inventory(context.Background())
	require.Len(t, errs, 1)
	require.Len(t, inv.Providers, 2)
	assert.Equal(t, "down", inv.Providers[0].ProviderID)
	assert.Empty(t, inv.Providers[0].Tools)
	assert.Equal(t, "fs", inv.Providers[1].ProviderID)
	assert.Len(t, inv.Providers[1].Tools, 2)

	_, err = set.Call(context.Background(), "ghost", "x", nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.NoError(t, set.Close())
	assert.Empty(t, set.IDs())
}

func TestToToolKeepsSchema(t *testing.T) {
	spec := registry.ToolSpec{
		Name:        "search",
		Description: "Search things",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
		Annotations: json.RawMessage(`{"readOnlyHint":true}`),
	}
	back, err := toSpec(ToTool(spec))
	require.NoError(t, err)
	assert.Equal(t, spec.Name, back.Name)
	assert.Equal(t, spec.Description, back.Description)
	assert.JSONEq(t, string(spec.InputSchema), string(back.InputSchema))
	require.NotNil(t, ToTool(spec).Annotations.ReadOnlyHint)
	assert.True(t, *ToTool(spec).Annotations.ReadOnlyHint)
}

func TestDialSSEProvider(t *testing.T) {
	srv := server.NewMCPServer("upstream", "1.0.0", server.WithToolCapabilities(true))
	srv.AddTool(mcp.NewTool("shout",
		mcp.WithDescription("Upper-cases its input"),
		mcp.WithString("text", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, _ := req.GetArguments()["text"].(string)
		return mcp.NewToolResultText(strings.ToUpper(s)), nil
	})
	ts := server.NewTestServer(srv)
	defer ts.Close()

	ctx := context.Background()
	h, err := Open(ctx, config.ProviderConfig{ID: "up", Transport: string(store.TransportSSE), URL: ts.URL + "/sse"}, nil)
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	specs, err := h.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "shout", specs[0].Name)
	assert.Equal(t, "Upper-cases its input", specs[0].Description)

	res, err := h.CallTool(ctx, "shout", json.RawMessage(`{"text":"hey"}`))
	require.NoError(t, err)
	assert.Equal(t, "HEY", text(t, res))
}

func TestOpenRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, config.ProviderConfig{ID: "x", Builtin: "printer"}, nil)
	assert.Error(t, err)
	_, err = Open(ctx, config.ProviderConfig{ID: "x", Transport: "PIGEON"}, nil)
	assert.Error(t, err)
	_, err = Open(ctx, config.ProviderConfig{ID: "x", Transport: "STDIO"}, nil)
	assert.Error(t, err)

	set, err := OpenAll(ctx, []config.ProviderConfig{{ID: "fs", Builtin: "filesystem"}, {ID: "bad", Transport: "SSE"}}, []string{t.TempDir()})
	assert.Error(t, err)
	assert.Equal(t, []string{"fs"}, set.IDs())
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

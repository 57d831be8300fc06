package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/skilder-ai/toolgate/registry"
)

type (
	// Func implements one in-process tool.
	Func func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

	// FuncHost hosts in-process tools.
	FuncHost struct {
		mu    sync.RWMutex
		tools map[string]funcTool
	}

	funcTool struct {
		def mcp.Tool
		fn  Func
	}
)

// NewFuncHost returns an empty FuncHost.
func NewFuncHost() *FuncHost {
	return &FuncHost{tools: make(map[string]funcTool)}
}

// Add registers fn as the implementation of def.
func (h *FuncHost) Add(def mcp.Tool, fn Func) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[def.Name] = funcTool{def: def, fn: fn}
}

// Remove unregisters a tool.
func (h *FuncHost) Remove(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tools, name)
}

// ListTools returns the registered tools sorted by name.
func (h *FuncHost) ListTools(context.Context) ([]registry.ToolSpec, error) {
	h.mu.RLock()
	defs := make([]mcp.Tool, 0, len(h.tools))
	for _, t := range h.tools {
		defs = append(defs, t.def)
	}
	h.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	specs := make([]registry.ToolSpec, 0, len(defs))
	for _, d := range defs {
		spec, err := toSpec(d)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// CallTool runs the named tool. Unknown tools and implementation errors are
// reported as error results.
func (h *FuncHost) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	h.mu.RLock()
	t, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown tool %q", name)), nil
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	if len(args) > 0 {
		var m map[string]any
		if err := json.Unmarshal(args, &m); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("arguments must be a JSON object: %v", err)), nil
		}
		req.Params.Arguments = m
	}
	res, err := t.fn(ctx, req)
	if err != nil {
		return ErrorResult(err), nil
	}
	return res, nil
}

// Close is a no-op.
func (h *FuncHost) Close() error { return nil }

// Filesystem returns a FuncHost exposing read-only filesystem tools confined
// to roots.
func Filesystem(roots []string) (*FuncHost, error) {
	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("root %q: %w", r, err)
		}
		clean = append(clean, filepath.Clean(abs))
	}
	fs := &filesystem{roots: clean}
	h := NewFuncHost()
	h.Add(mcp.NewTool("list_directory",
		mcp.WithDescription("List the entries of a directory inside the declared roots."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path of the directory to list.")),
	), fs.listDirectory)
	h.Add(mcp.NewTool("list_roots",
		mcp.WithDescription("List the directories this runtime exposes."),
	), fs.listRoots)
	return h, nil
}

type filesystem struct {
	roots []string
}

func (fs *filesystem) listRoots(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(strings.Join(fs.roots, "\n")), nil
}

func (fs *filesystem) listDirectory(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, _ := req.GetArguments()["path"].(string)
	if path == "" {
		return mcp.NewToolResultError("path is required"), nil
	}
	dir, err := fs.resolve(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		kind := "[FILE]"
		if e.IsDir() {
			kind = "[DIR]"
		}
		lines = append(lines, kind+" "+e.Name())
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

// resolve returns the cleaned absolute form of path if it lies inside a root.
// Symbolic links are evaluated so that a link cannot escape the roots.
func (fs *filesystem) resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	target, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("path %s is not accessible", path)
	}
	for _, root := range fs.roots {
		rr, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rr, target)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return target, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the declared roots", path)
}

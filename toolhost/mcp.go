package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/skilder-ai/toolgate/config"
	"github.com/skilder-ai/toolgate/registry"
	"github.com/skilder-ai/toolgate/store"
)

type (
	// MCPHost drives an external provider with the mcp-go client.
	MCPHost struct {
		id     string
		client *client.Client
	}

	// Options configures Dial.
	Options struct {
		// ID names the provider in errors.
		ID        string
		Transport store.Transport
		// Command, Args and Env start a STDIO provider.
		Command string
		Args    []string
		Env     map[string]string
		// URL and Headers reach an SSE or STREAM provider.
		URL     string
		Headers map[string]string
		// ClientName and ClientVersion identify this host during the
		// initialize handshake.
		ClientName    string
		ClientVersion string
		// InitTimeout bounds the handshake. Defaults to 30s.
		InitTimeout time.Duration
	}
)

// Dial connects to the provider described by opts and performs the
// initialize handshake.
func Dial(ctx context.Context, opts Options) (*MCPHost, error) {
	var (
		c   *client.Client
		err error
	)
	switch opts.Transport {
	case store.TransportStdio:
		if opts.Command == "" {
			return nil, fmt.Errorf("provider %q: command is required", opts.ID)
		}
		c, err = client.NewStdioMCPClient(opts.Command, envList(opts.Env), opts.Args...)
	case store.TransportSSE:
		if opts.URL == "" {
			return nil, fmt.Errorf("provider %q: url is required", opts.ID)
		}
		c, err = client.NewSSEMCPClient(opts.URL, transport.WithHeaders(opts.Headers))
		if err == nil {
			err = c.Start(ctx)
		}
	case store.TransportStream:
		if opts.URL == "" {
			return nil, fmt.Errorf("provider %q: url is required", opts.ID)
		}
		c, err = client.NewStreamableHttpClient(opts.URL, transport.WithHTTPHeaders(opts.Headers))
		if err == nil {
			err = c.Start(ctx)
		}
	default:
		return nil, fmt.Errorf("provider %q: unsupported transport %q", opts.ID, opts.Transport)
	}
	if err != nil {
		if c != nil {
			_ = c.Close()
		}
		return nil, fmt.Errorf("connect provider %q: %w", opts.ID, err)
	}

	timeout := opts.InitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: nonEmpty(opts.ClientName, "toolgate"), Version: nonEmpty(opts.ClientVersion, "dev")}
	if _, err := c.Initialize(ictx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize provider %q: %w", opts.ID, err)
	}
	return &MCPHost{id: opts.ID, client: c}, nil
}

// ListTools pages through the provider's tools.
func (h *MCPHost) ListTools(ctx context.Context) ([]registry.ToolSpec, error) {
	var specs []registry.ToolSpec
	req := mcp.ListToolsRequest{}
	for {
		res, err := h.client.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", h.id, err)
		}
		for _, t := range res.Tools {
			spec, err := toSpec(t)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		if res.NextCursor == "" || res.NextCursor == req.Params.Cursor {
			break
		}
		req.Params.Cursor = res.NextCursor
	}
	return specs, nil
}

// CallTool forwards the call to the provider.
func (h *MCPHost) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	if len(args) > 0 {
		req.Params.Arguments = args
	}
	res, err := h.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("provider %q: call %q: %w", h.id, name, err)
	}
	return res, nil
}

// Close terminates the provider connection or process.
func (h *MCPHost) Close() error { return h.client.Close() }

// Open returns the host described by a provider configuration. Builtin
// providers are served in process; roots confine the filesystem builtin.
func Open(ctx context.Context, cfg config.ProviderConfig, roots []string) (Host, error) {
	switch cfg.Builtin {
	case "":
	case "filesystem":
		return Filesystem(roots)
	default:
		return nil, fmt.Errorf("provider %q: unknown builtin %q", cfg.ID, cfg.Builtin)
	}
	t, err := store.ParseTransport(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.ID, err)
	}
	return Dial(ctx, Options{
		ID:        cfg.ID,
		Transport: t,
		Command:   cfg.Command,
		Args:      cfg.Args,
		Env:       cfg.Env,
		URL:       cfg.URL,
		Headers:   cfg.Headers,
	})
}

// OpenAll opens every provider into a Set. Providers that fail to open are
// skipped and reported; the runtime still serves the others.
func OpenAll(ctx context.Context, cfgs []config.ProviderConfig, roots []string) (*Set, error) {
	set := NewSet()
	var errs []error
	for _, cfg := range cfgs {
		h, err := Open(ctx, cfg, roots)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		set.Add(cfg.ID, h)
	}
	return set, errors.Join(errs...)
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

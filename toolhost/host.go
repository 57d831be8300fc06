// Package toolhost adapts tool providers to a single Host interface used by
// the edge runtime and by agent-embedded sessions. External providers speak
// the tool protocol over STDIO, SSE or STREAM and are driven with the mcp-go
// client; builtin providers are plain Go functions.
package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/skilder-ai/toolgate/registry"
)

type (
	// Host executes the tools of one provider.
	Host interface {
		// ListTools returns the tools the provider currently exposes.
		ListTools(ctx context.Context) ([]registry.ToolSpec, error)
		// CallTool invokes name with the JSON encoded args. Tool level
		// failures are reported in the result (IsError), not as errors.
		CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
		// Close releases the provider process or connection.
		Close() error
	}

	// Set holds the hosts of a runtime indexed by provider ID.
	Set struct {
		mu    sync.RWMutex
		hosts map[string]Host
	}
)

// ErrUnknownProvider is returned by Set.Call for providers it does not hold.
var ErrUnknownProvider = errors.New("unknown tool provider")

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{hosts: make(map[string]Host)}
}

// Add registers h under providerID, closing any host it replaces.
func (s *Set) Add(providerID string, h Host) {
	s.mu.Lock()
	old := s.hosts[providerID]
	s.hosts[providerID] = h
	s.mu.Unlock()
	if old != nil && old != h {
		_ = old.Close()
	}
}

// Get returns the host of providerID.
func (s *Set) Get(providerID string) (Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[providerID]
	return h, ok
}

// IDs returns the provider IDs in the set, sorted.
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.hosts))
	for id := range s.hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Inventory lists the tools of every provider. A provider that fails to list
// is reported with an empty tool list so its tools go INACTIVE rather than
// linger.
func (s *Set) Inventory(ctx context.Context) (registry.Inventory, []error) {
	var (
		inv  registry.Inventory
		errs []error
	)
	for _, id := range s.IDs() {
		h, ok := s.Get(id)
		if !ok {
			continue
		}
		specs, err := h.ListTools(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list tools of %q: %w", id, err))
			specs = nil
		}
		inv.Providers = append(inv.Providers, registry.ProviderTools{ProviderID: id, Tools: specs})
	}
	return inv, errs
}

// Call invokes a tool of providerID.
func (s *Set) Call(ctx context.Context, providerID, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	h, ok := s.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, providerID)
	}
	return h.CallTool(ctx, name, args)
}

// Close closes every host.
func (s *Set) Close() error {
	s.mu.Lock()
	hosts := s.hosts
	s.hosts = make(map[string]Host)
	s.mu.Unlock()
	var errs []error
	for id, h := range hosts {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// toSpec converts a protocol tool definition into the inventory form. The
// tool is round-tripped through its wire encoding so that raw and structured
// input schemas are handled alike.
func toSpec(t mcp.Tool) (registry.ToolSpec, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return registry.ToolSpec{}, fmt.Errorf("encode tool %q: %w", t.Name, err)
	}
	var spec registry.ToolSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return registry.ToolSpec{}, fmt.Errorf("decode tool %q: %w", t.Name, err)
	}
	if len(spec.InputSchema) == 0 {
		spec.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	return spec, nil
}

// ToTool converts an inventory entry back into a protocol tool definition.
func ToTool(spec registry.ToolSpec) mcp.Tool {
	t := mcp.Tool{Name: spec.Name, Description: spec.Description}
	if len(spec.InputSchema) > 0 {
		t.RawInputSchema = spec.InputSchema
	} else {
		t.InputSchema = mcp.ToolInputSchema{Type: "object"}
	}
	if len(spec.Annotations) > 0 {
		_ = json.Unmarshal(spec.Annotations, &t.Annotations)
	}
	return t
}

// ErrorResult wraps err in a tool result flagged as an error.
func ErrorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

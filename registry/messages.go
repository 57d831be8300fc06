package registry

import (
	"encoding/json"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/store"
)

// Control operations carried on tenancy.ControlSubject.
const (
	OpAnnounce  = "announce"
	OpHeartbeat = "heartbeat"
	OpShutdown  = "shutdown"
)

type (
	// ControlRequest is a control-plane message sent by a runtime.
	ControlRequest struct {
		Op string `json:"op"`
		// Key is the workspace key of the runtime.
		Key        string      `json:"key"`
		RuntimeID  string      `json:"runtimeId,omitempty"`
		Descriptor *Descriptor `json:"descriptor,omitempty"`
		// Inventory is the tool inventory at announce time.
		Inventory *Inventory `json:"inventory,omitempty"`
	}

	// ControlReply acknowledges a ControlRequest.
	ControlReply struct {
		RuntimeID string `json:"runtimeId,omitempty"`
		// Tenant is the tenant the key resolved to. Runtimes derive their
		// subjects from it.
		Tenant string     `json:"tenant,omitempty"`
		Error  *ErrorBody `json:"error,omitempty"`
	}

	// ErrorBody is the wire form of a failure.
	ErrorBody struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}

	// Inventory is the set of tools a runtime currently exposes, grouped by
	// provider.
	Inventory struct {
		Providers []ProviderTools `json:"providers"`
	}

	// ProviderTools lists the tools of one provider.
	ProviderTools struct {
		ProviderID string     `json:"providerId"`
		Tools      []ToolSpec `json:"tools"`
	}

	// ToolSpec is a tool as reported by its provider.
	ToolSpec struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
		Annotations json.RawMessage `json:"annotations,omitempty"`
	}
)

// NewErrorBody converts err to its wire form.
func NewErrorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	return &ErrorBody{Kind: toolgate.Kind(err), Message: toolgate.Message(err)}
}

// Err converts the body back to an error carrying the same kind.
func (e *ErrorBody) Err() error {
	if e == nil {
		return nil
	}
	return toolgate.FromKind(e.Kind, e.Message)
}

// StoreTools converts reported tools into discovered store records.
func StoreTools(specs []ToolSpec) []*store.Tool {
	out := make([]*store.Tool, 0, len(specs))
	for _, t := range specs {
		out = append(out, &store.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Annotations: t.Annotations,
		})
	}
	return out
}

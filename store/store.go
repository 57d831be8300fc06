// Package store defines the persistence collaborator: the records the router
// and registry read and write, and the operations they need. The live routing
// state (presence, lifecycle transitions) is owned by the registry; runtimes
// are only mirrored here for display.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// RuntimeKind classifies a runtime.
	RuntimeKind string
	// Lifecycle is the liveness state of a runtime or tool.
	Lifecycle string
	// Transport is how a tool provider speaks the tool protocol.
	Transport string
	// ExecutionTarget is where a tool provider runs.
	ExecutionTarget string
	// CallStatus is the state of a tool call.
	CallStatus string

	// Runtime is a worker process instance.
	Runtime struct {
		ID            string      `json:"id" bson:"id"`
		Tenant        string      `json:"tenant" bson:"tenant"`
		Name          string      `json:"name" bson:"name"`
		Kind          RuntimeKind `json:"kind" bson:"kind"`
		Lifecycle     Lifecycle   `json:"lifecycle" bson:"lifecycle"`
		Capabilities  []string    `json:"capabilities,omitempty" bson:"capabilities,omitempty"`
		HostIP        string      `json:"hostIP,omitempty" bson:"host_ip,omitempty"`
		Hostname      string      `json:"hostname,omitempty" bson:"hostname,omitempty"`
		ProcessID     int         `json:"processId,omitempty" bson:"process_id,omitempty"`
		LastSeenAt    time.Time   `json:"lastSeenAt" bson:"last_seen_at"`
		DeclaredRoots []string    `json:"declaredRoots,omitempty" bson:"declared_roots,omitempty"`
		// Providers lists the EDGE tool providers this runtime hosts.
		Providers []string  `json:"providers,omitempty" bson:"providers,omitempty"`
		CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	}

	// ToolProvider is a source of callable tools.
	ToolProvider struct {
		ID        string          `json:"id" bson:"id"`
		Tenant    string          `json:"tenant" bson:"tenant"`
		Transport Transport       `json:"transport" bson:"transport"`
		Target    ExecutionTarget `json:"target" bson:"target"`
		// Config is opaque, tool-host-specific configuration.
		Config json.RawMessage `json:"config,omitempty" bson:"config,omitempty"`
		// OwnerRuntime is set for EDGE providers once a runtime claims them.
		OwnerRuntime string `json:"ownerRuntime,omitempty" bson:"owner_runtime,omitempty"`
	}

	// Tool is a callable function exposed by a provider.
	Tool struct {
		ID          string          `json:"id" bson:"id"`
		Tenant      string          `json:"tenant" bson:"tenant"`
		ProviderID  string          `json:"providerId" bson:"provider_id"`
		Name        string          `json:"name" bson:"name"`
		Description string          `json:"description,omitempty" bson:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty" bson:"input_schema,omitempty"`
		Annotations json.RawMessage `json:"annotations,omitempty" bson:"annotations,omitempty"`
		Status      Lifecycle       `json:"status" bson:"status"`
		UpdatedAt   time.Time       `json:"updatedAt" bson:"updated_at"`
	}

	// ToolCall is one routed invocation.
	ToolCall struct {
		ID          string          `json:"id" bson:"id"`
		Tenant      string          `json:"tenant" bson:"tenant"`
		ToolID      string          `json:"toolId" bson:"tool_id"`
		ToolName    string          `json:"toolName" bson:"tool_name"`
		SessionID   string          `json:"sessionId" bson:"session_id"`
		RuntimeID   string          `json:"runtimeId,omitempty" bson:"runtime_id,omitempty"`
		Status      CallStatus      `json:"status" bson:"status"`
		CalledAt    time.Time       `json:"calledAt" bson:"called_at"`
		CompletedAt *time.Time      `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
		Input       json.RawMessage `json:"toolInput,omitempty" bson:"tool_input,omitempty"`
		Output      json.RawMessage `json:"toolOutput,omitempty" bson:"tool_output,omitempty"`
		Error       *CallError      `json:"error,omitempty" bson:"error,omitempty"`
	}

	// CallError is the structured failure of a tool call.
	CallError struct {
		Kind    string `json:"kind" bson:"kind"`
		Message string `json:"message" bson:"message"`
	}

	// Skill selects the providers an agent session can reach.
	Skill struct {
		ID     string `json:"id" bson:"id"`
		Tenant string `json:"tenant" bson:"tenant"`
		Name   string `json:"name" bson:"name"`
		// Providers restricts the skill to these provider IDs. Empty means
		// every provider of the tenant.
		Providers []string `json:"providers,omitempty" bson:"providers,omitempty"`
		CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	}

	// Runtimes mirrors runtime records for display.
	Runtimes interface {
		SaveRuntime(ctx context.Context, r *Runtime) error
		GetRuntime(ctx context.Context, tenant, id string) (*Runtime, error)
		ListRuntimes(ctx context.Context, tenant string) ([]*Runtime, error)
	}

	// Providers persists tool providers.
	Providers interface {
		SaveProvider(ctx context.Context, p *ToolProvider) error
		GetProvider(ctx context.Context, tenant, id string) (*ToolProvider, error)
		ListProviders(ctx context.Context, tenant string) ([]*ToolProvider, error)
	}

	// Tools persists discovered tools.
	Tools interface {
		// ReconcileTools makes the ACTIVE tools of provider exactly the
		// discovered set. Missing tools are flipped INACTIVE, never deleted.
		ReconcileTools(ctx context.Context, tenant, providerID string, discovered []*Tool) (Reconciliation, error)
		ListTools(ctx context.Context, tenant, providerID string) ([]*Tool, error)
	}

	// ToolCalls persists tool calls.
	ToolCalls interface {
		CreateToolCall(ctx context.Context, c *ToolCall) error
		// CompleteToolCall moves a PENDING call to the terminal status of
		// done. It returns ErrAlreadyTerminal if the call has left PENDING.
		CompleteToolCall(ctx context.Context, done *ToolCall) error
		GetToolCall(ctx context.Context, tenant, id string) (*ToolCall, error)
	}

	// Skills persists skills.
	Skills interface {
		// CreateSkill stores s unless a skill with the same name exists in the
		// tenant, in which case the existing skill is returned.
		CreateSkill(ctx context.Context, s *Skill) (*Skill, error)
		GetSkill(ctx context.Context, tenant, id string) (*Skill, error)
		FindSkill(ctx context.Context, tenant, name string) (*Skill, error)
	}

	// Store groups every collaborator interface.
	Store interface {
		Runtimes
		Providers
		Tools
		ToolCalls
		Skills
	}

	// Reconciliation reports the effect of ReconcileTools.
	Reconciliation struct {
		Added       []string
		Deactivated []string
		Reactivated []string
	}
)

const (
	KindEdge     RuntimeKind = "EDGE"
	KindEmbedded RuntimeKind = "AGENT_EMBEDDED"
	KindSystem   RuntimeKind = "SYSTEM"

	Active   Lifecycle = "ACTIVE"
	Inactive Lifecycle = "INACTIVE"

	TransportStdio  Transport = "STDIO"
	TransportSSE    Transport = "SSE"
	TransportStream Transport = "STREAM"

	TargetEdge     ExecutionTarget = "EDGE"
	TargetEmbedded ExecutionTarget = "AGENT_EMBEDDED"

	CallPending   CallStatus = "PENDING"
	CallCompleted CallStatus = "COMPLETED"
	CallFailed    CallStatus = "FAILED"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyTerminal is returned when completing a call that already
	// reached a terminal status.
	ErrAlreadyTerminal = errors.New("tool call already terminal")
	// ErrExists is returned when creating a record whose ID is taken.
	ErrExists = errors.New("already exists")
)

// Terminal reports whether s is a terminal status.
func (s CallStatus) Terminal() bool { return s == CallCompleted || s == CallFailed }

// ParseTarget accepts the configuration spelling of an execution target.
func ParseTarget(s string) (ExecutionTarget, error) {
	switch s {
	case "EDGE", "edge":
		return TargetEdge, nil
	case "AGENT_EMBEDDED", "AGENT-EMBEDDED", "agent-embedded", "embedded":
		return TargetEmbedded, nil
	}
	return "", errors.New("unknown execution target " + s)
}

// ParseTransport accepts the configuration spelling of a transport.
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "STDIO", "stdio":
		return TransportStdio, nil
	case "SSE", "sse":
		return TransportSSE, nil
	case "STREAM", "stream", "streamable-http", "http":
		return TransportStream, nil
	}
	return "", errors.New("unknown transport " + s)
}

// Validate enforces the ownership invariant: embedded providers are never
// bound to a runtime.
func (p *ToolProvider) Validate() error {
	if p.ID == "" || p.Tenant == "" {
		return errors.New("provider id and tenant are required")
	}
	switch p.Target {
	case TargetEmbedded:
		if p.OwnerRuntime != "" {
			return errors.New("agent-embedded provider cannot have an owner runtime")
		}
	case TargetEdge:
	default:
		return errors.New("unknown execution target " + string(p.Target))
	}
	return nil
}

// ValidateCompletion checks that done describes a terminal transition.
func ValidateCompletion(done *ToolCall) error {
	if done.ID == "" || done.Tenant == "" {
		return errors.New("tool call id and tenant are required")
	}
	if !done.Status.Terminal() {
		return errors.New("completion requires a terminal status")
	}
	if done.CompletedAt == nil {
		return errors.New("completion requires completedAt")
	}
	return nil
}

// ApplyCompletion copies the terminal fields of done onto c.
func ApplyCompletion(c, done *ToolCall) {
	c.Status = done.Status
	c.CompletedAt = done.CompletedAt
	c.Output = done.Output
	c.Error = done.Error
	if done.RuntimeID != "" {
		c.RuntimeID = done.RuntimeID
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/time/rate"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/registry"
	"github.com/skilder-ai/toolgate/router"
	"github.com/skilder-ai/toolgate/telemetry"
	"github.com/skilder-ai/toolgate/toolhost"
)

// Tool protocol methods served by the gateway.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

var supportedVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18", mcp.LATEST_PROTOCOL_VERSION}

type (
	// Dispatcher serves decoded tool protocol requests for a session. It is
	// shared by every binding.
	Dispatcher struct {
		router  *router.Router
		info    mcp.Implementation
		rps     rate.Limit
		burst   int
		limits  *expirable.LRU[string, *rate.Limiter]
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// DispatcherOptions configures a Dispatcher.
	DispatcherOptions struct {
		Router        *router.Router
		ServerName    string
		ServerVersion string
		// CallsPerSecond throttles tools/call per session. Zero disables the
		// throttle.
		CallsPerSecond float64
		Burst          int
		Logger         telemetry.Logger
		Metrics        telemetry.Metrics
	}

	initializeParams struct {
		ProtocolVersion string `json:"protocolVersion"`
	}

	initializeResult struct {
		ProtocolVersion string             `json:"protocolVersion"`
		Capabilities    capabilities       `json:"capabilities"`
		ServerInfo      mcp.Implementation `json:"serverInfo"`
	}

	capabilities struct {
		Tools toolsCapability `json:"tools"`
	}

	toolsCapability struct {
		ListChanged bool `json:"listChanged"`
	}

	callParams struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}

	// toolFailure is the result of a call the gateway could not complete.
	toolFailure struct {
		Content           []mcp.Content `json:"content"`
		IsError           bool          `json:"isError"`
		StructuredContent failureDetail `json:"structuredContent"`
	}

	failureDetail struct {
		Error  errorDetail `json:"error"`
		CallID string      `json:"callId,omitempty"`
	}

	errorDetail struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
)

// NewDispatcher returns a Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Router == nil {
		return nil, errors.New("router is required")
	}
	d := &Dispatcher{
		router:  opts.Router,
		info:    mcp.Implementation{Name: opts.ServerName, Version: opts.ServerVersion},
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if d.info.Name == "" {
		d.info.Name = "toolgate"
	}
	if d.info.Version == "" {
		d.info.Version = "dev"
	}
	if opts.CallsPerSecond > 0 {
		d.rps = rate.Limit(opts.CallsPerSecond)
		d.burst = max(opts.Burst, 1)
		d.limits = expirable.NewLRU[string, *rate.Limiter](8192, nil, 10*time.Minute)
	}
	if d.logger == nil {
		d.logger = telemetry.NewNoopLogger()
	}
	if d.metrics == nil {
		d.metrics = telemetry.NewNoopMetrics()
	}
	return d, nil
}

// Handle serves one raw envelope and returns the response to send, or nil
// for notifications. It never panics: a failure while serving one message
// is reported to the caller as an internal error.
func (d *Dispatcher) Handle(ctx context.Context, sess *Session, data []byte) (resp *Response) {
	req, bad := DecodeRequest(data)
	if bad != nil {
		d.metrics.IncCounter(telemetry.MetricProtocolMalformed, 1, "binding", sess.Binding)
		d.logger.Debug(ctx, "malformed envelope", "session", sess.ID, "err", bad.Error.Message)
		return bad
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "panic while serving request", "method", req.Method, "panic", r, "stack", string(debug.Stack()))
			resp = errorResponse(req.ID, CodeInternalError, "internal error")
			if req.IsNotification() {
				resp = nil
			}
		}
	}()
	resp = d.dispatch(ctx, sess, req)
	if req.IsNotification() {
		return nil
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, sess *Session, req *Request) *Response {
	switch req.Method {
	case MethodInitialize:
		var p initializeParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return errorResponse(req.ID, CodeInvalidParams, "invalid initialize params: "+err.Error())
			}
		}
		version := mcp.LATEST_PROTOCOL_VERSION
		if slices.Contains(supportedVersions, p.ProtocolVersion) {
			version = p.ProtocolVersion
		}
		return okResponse(req, &initializeResult{ProtocolVersion: version, ServerInfo: d.info})

	case MethodInitialized:
		return nil

	case MethodPing:
		return okResponse(req, struct{}{})

	case MethodToolsList:
		entries, err := d.router.Catalog().Tools(ctx, sess.RouterSession())
		if err != nil {
			return d.failure(ctx, req, err)
		}
		tools := make([]mcp.Tool, 0, len(entries))
		for _, e := range entries {
			tools = append(tools, toolhost.ToTool(registry.ToolSpec{
				Name:        e.Tool.Name,
				Description: e.Tool.Description,
				InputSchema: e.Tool.InputSchema,
				Annotations: e.Tool.Annotations,
			}))
		}
		return okResponse(req, &mcp.ListToolsResult{Tools: tools})

	case MethodToolsCall:
		var p callParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			return errorResponse(req.ID, CodeInvalidParams, "tools/call requires a tool name")
		}
		if !d.allow(sess) {
			return okResponse(req, failure(toolgate.Errorf(toolgate.MakeRateLimited, "too many tool calls in this session"), ""))
		}
		res, err := d.router.Route(ctx, sess.RouterSession(), p.Name, p.Arguments)
		if err == nil {
			if len(res.Output) == 0 {
				return okResponse(req, mcp.NewToolResultText(""))
			}
			return okResponse(req, json.RawMessage(res.Output))
		}
		if toolgate.IsKind(err, toolgate.KindToolError) && res != nil && len(res.Output) > 0 {
			return okResponse(req, json.RawMessage(res.Output))
		}
		var callID string
		if res != nil {
			callID = res.CallID
		}
		if ctx.Err() != nil {
			return errorResponse(req.ID, CodeInternalError, "session closed")
		}
		if toolgate.IsKind(err, toolgate.KindInternal) {
			d.logger.Error(ctx, "tool call failed", "tool", p.Name, "call", callID, "err", err)
			return errorResponse(req.ID, CodeInternalError, "internal error")
		}
		return okResponse(req, failure(err, callID))

	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (d *Dispatcher) failure(ctx context.Context, req *Request, err error) *Response {
	if toolgate.IsKind(err, toolgate.KindInternal) {
		d.logger.Error(ctx, "request failed", "method", req.Method, "err", err)
		return errorResponse(req.ID, CodeInternalError, "internal error")
	}
	return errorResponse(req.ID, CodeInvalidParams, toolgate.Message(err))
}

// allow applies the per-session call throttle.
func (d *Dispatcher) allow(sess *Session) bool {
	if d.limits == nil {
		return true
	}
	l, ok := d.limits.Get(sess.ID)
	if !ok {
		l = rate.NewLimiter(d.rps, d.burst)
		d.limits.Add(sess.ID, l)
	}
	return l.Allow()
}

// Forget drops the per-session state of a closed session.
func (d *Dispatcher) Forget(sessionID string) {
	if d.limits != nil {
		d.limits.Remove(sessionID)
	}
}

func failure(err error, callID string) *toolFailure {
	kind, msg := toolgate.Kind(err), toolgate.Message(err)
	return &toolFailure{
		Content:           []mcp.Content{mcp.NewTextContent(kind + ": " + msg)},
		IsError:           true,
		StructuredContent: failureDetail{Error: errorDetail{Kind: kind, Message: msg}, CallID: callID},
	}
}

package edge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/bus"
	"github.com/skilder-ai/toolgate/router"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/telemetry"
	"github.com/skilder-ai/toolgate/toolhost"
)

// executor runs routed calls against a set of hosts and replies on the call's
// reply subject. Each call runs in its own goroutine so a slow tool does not
// hold up the subscription.
type executor struct {
	bus       bus.Bus
	hosts     *toolhost.Set
	runtimeID func() string
	// local maps a routed provider ID to its key in hosts.
	local     func(string) string
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	wg sync.WaitGroup
	// ctx bounds in-flight calls; cancelled when the executor stops.
	ctx    context.Context
	cancel context.CancelFunc
}

func newExecutor(b bus.Bus, hosts *toolhost.Set, runtimeID func() string, logger telemetry.Logger, metrics telemetry.Metrics) *executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &executor{
		bus:       b,
		hosts:     hosts,
		runtimeID: runtimeID,
		local:     func(id string) string { return id },
		logger:    logger,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (e *executor) handle(ctx context.Context, msg *bus.Message) error {
	var req router.CallRequest
	if err := msg.Decode(&req); err != nil {
		return e.reply(ctx, msg, &router.CallReply{
			Status: store.CallFailed,
			Error:  &store.CallError{Kind: toolgate.KindProtocolMalformed, Message: err.Error()},
		})
	}
	callCtx := bus.ExtractTraceContext(e.ctx, msg)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		reply := e.execute(callCtx, &req)
		if err := e.reply(callCtx, msg, reply); err != nil {
			e.logger.Error(callCtx, "failed to reply to tool call", "call", msg.ID, "err", err)
		}
	}()
	return nil
}

func (e *executor) execute(ctx context.Context, req *router.CallRequest) *router.CallReply {
	reply := &router.CallReply{RuntimeID: e.runtimeID()}
	res, err := e.hosts.Call(ctx, e.local(req.ProviderID), req.ToolName, req.Arguments)
	if err != nil {
		e.metrics.IncCounter(telemetry.MetricHostCalls, 1, "outcome", toolgate.KindToolUnavailable)
		e.logger.Warn(ctx, "tool call failed", "provider", req.ProviderID, "tool", req.ToolName, "err", err)
		reply.Status = store.CallFailed
		reply.Error = &store.CallError{Kind: toolgate.KindToolUnavailable, Message: err.Error()}
		return reply
	}
	out, err := json.Marshal(res)
	if err != nil {
		reply.Status = store.CallFailed
		reply.Error = &store.CallError{Kind: toolgate.KindInternal, Message: err.Error()}
		return reply
	}
	reply.Output = out
	if res.IsError {
		e.metrics.IncCounter(telemetry.MetricHostCalls, 1, "outcome", toolgate.KindToolError)
		reply.Status = store.CallFailed
		reply.Error = &store.CallError{Kind: toolgate.KindToolError, Message: resultText(res)}
		return reply
	}
	e.metrics.IncCounter(telemetry.MetricHostCalls, 1, "outcome", "completed")
	reply.Status = store.CallCompleted
	return reply
}

func (e *executor) reply(ctx context.Context, req *bus.Message, reply *router.CallReply) error {
	resp, err := bus.NewMessage(bus.TypeReply, reply)
	if err != nil {
		return err
	}
	bus.InjectTraceContext(ctx, resp)
	return bus.Reply(ctx, e.bus, req, resp)
}

// stop cancels in-flight calls and waits for them to reply.
func (e *executor) stop() {
	e.cancel()
	e.wg.Wait()
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	if len(parts) == 0 {
		return "tool reported an error"
	}
	return strings.Join(parts, "\n")
}

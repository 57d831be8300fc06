package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/telemetry"
)

func handle(t *testing.T, d *Dispatcher, sess *Session, envelope string) rpcReply {
	t.Helper()
	resp := d.Handle(context.Background(), sess, []byte(envelope))
	require.NotNil(t, resp)
	return decodeReply(t, resp.Encode())
}

func TestDispatchInitialize(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, 0, 0)
	sess := NewSession(acme, "", BindingStream)

	cases := []struct {
		name, requested, want string
	}{
		{"supported version is echoed", "2025-03-26", "2025-03-26"},
		{"unknown version gets the latest", "1999-01-01", mcp.LATEST_PROTOCOL_VERSION},
		{"missing version gets the latest", "", mcp.LATEST_PROTOCOL_VERSION},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reply := handle(t, d, sess, `{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"`+c.requested+`"}}`)
			require.Nil(t, reply.Error)
			assert.JSONEq(t, `"init"`, string(reply.ID))
			var res struct {
				ProtocolVersion string `json:"protocolVersion"`
				ServerInfo      struct {
					Name    string `json:"name"`
					Version string `json:"version"`
				} `json:"serverInfo"`
				Capabilities map[string]json.RawMessage `json:"capabilities"`
			}
			require.NoError(t, json.Unmarshal(reply.Result, &res))
			assert.Equal(t, c.want, res.ProtocolVersion)
			assert.Equal(t, "toolgate-test", res.ServerInfo.Name)
			assert.Contains(t, res.Capabilities, "tools")
		})
	}
}

func TestDispatchProtocolErrors(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, 0, 0)
	sess := NewSession(acme, "", BindingStdio)

	cases := []struct {
		name     string
		envelope string
		code     int
	}{
		{"not json", `{"jsonrpc":`, CodeParseError},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, CodeInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, CodeMethodNotFound},
		{"call without name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, CodeInvalidParams},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reply := handle(t, d, sess, c.envelope)
			require.NotNil(t, reply.Error)
			assert.Equal(t, c.code, reply.Error.Code)
		})
	}
	assert.Equal(t, float64(4), h.metrics.Counter(telemetry.MetricProtocolMalformed))

	// The session keeps working after malformed input.
	reply := handle(t, d, sess, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	assert.Nil(t, reply.Error)
	assert.JSONEq(t, `{}`, string(reply.Result))
}

func TestDispatchNotificationsGetNoResponse(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, 0, 0)
	sess := NewSession(acme, "", BindingStdio)
	assert.Nil(t, d.Handle(context.Background(), sess, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	assert.Nil(t, d.Handle(context.Background(), sess, []byte(`{"jsonrpc":"2.0","method":"ping"}`)))
}

func TestDispatchToolsListAndCall(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, 0, 0)
	sess := NewSession(acme, "", BindingStream)

	reply := handle(t, d, sess, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, reply.Error)
	var list struct {
		Tools []struct {
			Name        string          `json:"name"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &list))
	var names []string
	for _, tl := range list.Tools {
		names = append(names, tl.Name)
	}
	assert.ElementsMatch(t, []string{"echo", "fail", "slow"}, names)

	reply = handle(t, d, sess, callEnvelope(2, "echo", `{"text":"hi"}`))
	res := reply.tool(t)
	assert.False(t, res.IsError)
	assert.Equal(t, "hi", reply.text())

	reply = handle(t, d, sess, callEnvelope(3, "fail", `{}`))
	res = reply.tool(t)
	assert.True(t, res.IsError)
	assert.Contains(t, reply.text(), "disk on fire")

	reply = handle(t, d, sess, callEnvelope(4, "echo", `{"text":42}`))
	res = reply.tool(t)
	assert.True(t, res.IsError)
	assert.Equal(t, toolgate.KindInvalidArguments, res.StructuredContent.Error.Kind)

	reply = handle(t, d, sess, callEnvelope(5, "nope", `{}`))
	res = reply.tool(t)
	assert.True(t, res.IsError)
	assert.Equal(t, toolgate.KindNotFound, res.StructuredContent.Error.Kind)
}

func TestDispatchUnavailableTool(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, 0, 0)
	sess := NewSession(acme, "", BindingStream)
	require.NoError(t, h.agent.Shutdown(context.Background()))

	reply := handle(t, d, sess, callEnvelope(1, "echo", `{"text":"hi"}`))
	res := reply.tool(t)
	assert.True(t, res.IsError)
	assert.Equal(t, toolgate.KindToolUnavailable, res.StructuredContent.Error.Kind)
}

func TestDispatchThrottlesSessionCalls(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, 0.001, 1)
	sess := NewSession(acme, "", BindingStream)
	other := NewSession(acme, "", BindingStream)

	assert.False(t, handle(t, d, sess, callEnvelope(1, "echo", `{"text":"a"}`)).tool(t).IsError)
	res := handle(t, d, sess, callEnvelope(2, "echo", `{"text":"b"}`)).tool(t)
	assert.True(t, res.IsError)
	assert.Equal(t, toolgate.KindRateLimited, res.StructuredContent.Error.Kind)

	assert.False(t, handle(t, d, other, callEnvelope(3, "echo", `{"text":"c"}`)).tool(t).IsError)

	d.Forget(sess.ID)
	assert.False(t, handle(t, d, sess, callEnvelope(4, "echo", `{"text":"d"}`)).tool(t).IsError)
}

func TestDispatchClosedSessionCall(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, 0, 0)
	sess := NewSession(acme, "", BindingStdio)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := d.Handle(ctx, sess, []byte(callEnvelope(1, "slow", `{}`)))
	require.NotNil(t, resp)
	reply := decodeReply(t, resp.Encode())
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeInternalError, reply.Error.Code)
}

package gateway

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/edge"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/toolhost"
)

// stdioClient drives ServeStdio through pipes.
type stdioClient struct {
	in   *io.PipeWriter
	out  *bufio.Scanner
	done chan error
}

func startStdio(t *testing.T, d *Dispatcher, sess *Session) *stdioClient {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	c := &stdioClient{in: inW, out: bufio.NewScanner(outR), done: make(chan error, 1)}
	go func() {
		c.done <- ServeStdio(context.Background(), d, sess, inR, outW)
		_ = outW.Close()
	}()
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})
	return c
}

func (c *stdioClient) roundTrip(t *testing.T, envelope string) rpcReply {
	t.Helper()
	_, err := io.WriteString(c.in, envelope+"\n")
	require.NoError(t, err)
	require.True(t, c.out.Scan(), "expected a response line")
	return decodeReply(t, c.out.Bytes())
}

func TestStdioSession(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, 0, 0)
	c := startStdio(t, d, NewSession(acme, "", BindingStdio))

	reply := c.roundTrip(t, initializeEnvelope)
	require.Nil(t, reply.Error)

	reply = c.roundTrip(t, `{"jsonrpc":"2.0","id":1,`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeParseError, reply.Error.Code)

	// Notifications are not answered: the next line belongs to the call.
	_, err := io.WriteString(c.in, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n")
	require.NoError(t, err)
	reply = c.roundTrip(t, callEnvelope(2, "echo", `{"text":"over stdio"}`))
	assert.JSONEq(t, `2`, string(reply.ID))
	assert.Equal(t, "over stdio", reply.text())

	require.NoError(t, c.in.Close())
	select {
	case err := <-c.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end on stdin EOF")
	}
}

// An oversized envelope is answered with an error and the session keeps
// serving the envelopes that follow it.
func TestStdioOversizedFrame(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, 0, 0)
	c := startStdio(t, d, NewSession(acme, "", BindingStdio))

	reply := c.roundTrip(t, oversized(1))
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeInvalidRequest, reply.Error.Code)
	assert.Equal(t, "message too large", reply.Error.Message)
	assert.Equal(t, "null", string(reply.ID))

	reply = c.roundTrip(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.Nil(t, reply.Error)
	assert.JSONEq(t, `2`, string(reply.ID))

	select {
	case err := <-c.done:
		t.Fatalf("session ended: %v", err)
	default:
	}
}

func TestStdioCancelledContext(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, 0, 0)
	inR, inW := io.Pipe()
	defer func() { _ = inW.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeStdio(ctx, d, NewSession(acme, "", BindingStdio), inR, io.Discard) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end on cancel")
	}
}

// Tools of a session's embedded provider are reachable from that session
// only: another session of the same tenant neither lists nor calls them.
func TestEmbeddedToolsStayInTheirSession(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, 0, 0)
	ctx := context.Background()

	local := toolhost.NewFuncHost()
	local.Add(mcp.NewTool("clipboard", mcp.WithDescription("Reads the local clipboard")),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("copied text"), nil
		})
	hosts := toolhost.NewSet()
	hosts.Add("desktop", local)

	owner := NewSession(acme, "", BindingStdio)
	ids, err := edge.Register(ctx, h.store, acme, owner.ID, hosts, store.TransportStdio)
	require.NoError(t, err)
	owner.Embedded = ids
	emb, err := edge.NewEmbedded(h.bus, hosts, acme, owner.ID, nil, nil)
	require.NoError(t, err)
	require.NoError(t, emb.Start(ctx))
	defer func() { _ = emb.Close(ctx) }()

	c := startStdio(t, d, owner)
	reply := c.roundTrip(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), `"clipboard"`)
	assert.Contains(t, string(reply.Result), `"echo"`)

	reply = c.roundTrip(t, callEnvelope(2, "clipboard", `{}`))
	assert.Equal(t, "copied text", reply.text())

	for _, binding := range []string{BindingSSE, BindingStream} {
		other := NewSession(acme, "", binding)
		reply = handle(t, d, other, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
		require.Nil(t, reply.Error)
		assert.NotContains(t, string(reply.Result), `"clipboard"`, binding)

		res := handle(t, d, other, callEnvelope(4, "clipboard", `{}`)).tool(t)
		assert.True(t, res.IsError, binding)
		assert.Equal(t, toolgate.KindNotFound, res.StructuredContent.Error.Kind, binding)
	}
}

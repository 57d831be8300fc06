package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	var msg Message
	InjectTraceContext(ctx, &msg)
	require.NotEmpty(t, msg.TraceParent)

	got := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), &msg))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
}

func TestReplyRequiresSubject(t *testing.T) {
	err := Reply(context.Background(), nil, &Message{Type: TypeCall, ID: "1"}, &Message{})
	assert.ErrorContains(t, err, "no reply subject")
}

func TestNewMessageDecode(t *testing.T) {
	msg, err := NewMessage(TypeTools, []string{"a", "b"})
	require.NoError(t, err)
	var got []string
	require.NoError(t, msg.Decode(&got))
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Error(t, (&Message{Type: "x"}).Decode(&got))
}

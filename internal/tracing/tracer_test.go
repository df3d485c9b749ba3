package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*SessionTracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return &SessionTracer{tracer: tp.Tracer("test")}, rec
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestSessionTracer_StoreSpan(t *testing.T) {
	st, rec := newRecordingTracer(t)

	_, span := st.StartStoreSpan(context.Background(), "valkey", "apply", "s1")
	st.RecordResult(span, 15*time.Millisecond, nil)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "session_store.apply", ended[0].Name())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)

	a := attrs(ended[0])
	assert.Equal(t, "valkey", a["store.backend"].AsString())
	assert.Equal(t, "s1", a["session.key"].AsString())
	assert.Equal(t, int64(15), a["duration_ms"].AsInt64())
}

func TestSessionTracer_ReplicationAndLoadSpans(t *testing.T) {
	st, rec := newRecordingTracer(t)

	ctx, push := st.StartReplicationSpan(context.Background(), "s1", "FIELD", 3)
	_, load := st.StartLoadSpan(ctx, "s1", true)
	st.RecordResult(load, time.Millisecond, errors.New("connection refused"))
	load.End()
	push.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)

	assert.Equal(t, "session_load", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "connection refused", ended[0].Status().Description)
	assert.True(t, attrs(ended[0])["session.reconcile"].AsBool())
	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())

	assert.Equal(t, "session_replicate", ended[1].Name())
	assert.Equal(t, int64(3), attrs(ended[1])["session.version"].AsInt64())
	assert.Equal(t, "FIELD", attrs(ended[1])["session.granularity"].AsString())
}

func TestGlobalTracer(t *testing.T) {
	before := GetGlobalTracer()
	require.NotNil(t, before)

	InitGlobalTracer("mirador-session-test")
	t.Cleanup(func() { globalSessionTracer = before })
	assert.NotSame(t, before, GetGlobalTracer())
}

package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"loom/pkg/types"
)

type staticExecutor struct {
	result types.ToolResult
	calls  int
}

func (s *staticExecutor) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	s.calls++
	return s.result
}

func (s *staticExecutor) Names() []string { return []string{"echo"} }

func recordingTracer(t *testing.T) (*TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider()
	provider.RegisterSpanProcessor(recorder)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return &TracerProvider{provider: provider, tracer: provider.Tracer("loom")}, recorder
}

func TestInstrumentedExecutorEmitsToolSpan(t *testing.T) {
	tracer, recorder := recordingTracer(t)
	inner := &staticExecutor{result: types.ToolResult{ToolName: "echo", Success: true, Output: "ok"}}

	exec := NewInstrumentedExecutor(inner, tracer, nil)
	result := exec.Execute(context.Background(), types.ToolCall{Name: "echo"})

	assert.True(t, result.Success)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, []string{"echo"}, exec.Names())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanToolExecute, spans[0].Name())

	attrs := spans[0].Attributes()
	require.NotEmpty(t, attrs)
	assert.Equal(t, AttrTool, string(attrs[0].Key))
	assert.Equal(t, "echo", attrs[0].Value.AsString())
}

func TestInstrumentedExecutorMarksFailedRuns(t *testing.T) {
	tracer, recorder := recordingTracer(t)
	inner := &staticExecutor{result: types.ToolResult{ToolName: "echo", Success: false, Error: "boom"}}

	exec := NewInstrumentedExecutor(inner, tracer, nil)
	result := exec.Execute(context.Background(), types.ToolCall{Name: "echo"})

	assert.False(t, result.Success)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestStartSpanOnNilProviderIsSafe(t *testing.T) {
	var tp *TracerProvider

	ctx, span := tp.StartSpan(context.Background(), SpanRespond)
	span.End()

	assert.NotNil(t, ctx)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"loom/internal/tools"
	"loom/pkg/types"
)

// InstrumentedExecutor wraps a tool executor with a span and the execution
// metric. It sits directly over the real runner, inside cache and approval,
// so cache hits and denials are not counted as runs.
type InstrumentedExecutor struct {
	inner   tools.Executor
	tracer  *TracerProvider
	metrics *Collector
}

// NewInstrumentedExecutor decorates inner. tracer and metrics may be nil.
func NewInstrumentedExecutor(inner tools.Executor, tracer *TracerProvider, metrics *Collector) *InstrumentedExecutor {
	return &InstrumentedExecutor{inner: inner, tracer: tracer, metrics: metrics}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	ctx, span := e.tracer.StartSpan(ctx, SpanToolExecute,
		attribute.String(AttrTool, call.Name),
	)
	defer span.End()

	result := e.inner.Execute(ctx, call)

	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	if e.metrics != nil {
		e.metrics.RecordToolExecution(ctx, call.Name, result.Success, result.Duration)
	}
	return result
}

func (e *InstrumentedExecutor) Names() []string {
	return e.inner.Names()
}

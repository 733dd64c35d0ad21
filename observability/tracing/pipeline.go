package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PipelineTracer creates spans around promotion stages, upgrade runs and
// individual deltas.
type PipelineTracer struct {
	tracer trace.Tracer
}

// NewPipelineTracer creates a PipelineTracer. If tracer is nil, the global
// tracer provider is used, which is a no-op unless Setup installed one.
func NewPipelineTracer(tracer trace.Tracer) *PipelineTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("dbdelta")
	}
	return &PipelineTracer{tracer: tracer}
}

// StartRun begins the root span of a test-and-promote run.
func (p *PipelineTracer) StartRun(ctx context.Context, runID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "dbdelta.promote",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("dbdelta.run_id", runID)),
	)
}

// StartStage begins a child span for one orchestrator stage.
func (p *PipelineTracer) StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "dbdelta.stage."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("dbdelta.stage", stage)),
	)
}

// StartUpgrade begins a span for one executor run against target.
func (p *PipelineTracer) StartUpgrade(ctx context.Context, target string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "dbdelta.upgrade",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.target", target)),
	)
}

// StartDelta begins a span for applying one delta unit.
func (p *PipelineTracer) StartDelta(ctx context.Context, version, script string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "dbdelta.delta",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dbdelta.delta.version", version),
			attribute.String("dbdelta.delta.script", script),
		),
	)
}

// End sets the span status from err and ends the span.
func (p *PipelineTracer) End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

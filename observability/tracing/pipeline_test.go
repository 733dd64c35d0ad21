package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*PipelineTracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return NewPipelineTracer(tp.Tracer("test")), exporter
}

func TestPipelineTracer_StageNesting(t *testing.T) {
	pt, exporter := newTestTracer(t)

	ctx, run := pt.StartRun(context.Background(), "run-1")
	_, stage := pt.StartStage(ctx, "dump")
	pt.End(stage, nil)
	pt.End(run, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "dbdelta.stage.dump" {
		t.Errorf("unexpected span name %q", spans[0].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("expected stage span to be a child of the run span")
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("expected ok status, got %v", spans[0].Status.Code)
	}
}

func TestPipelineTracer_DeltaError(t *testing.T) {
	pt, exporter := newTestTracer(t)

	_, span := pt.StartDelta(context.Background(), "1.2.0", "delta_1.2.0_x.sql")
	pt.End(span, errors.New("syntax error"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected a recorded error event")
	}
	found := false
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "dbdelta.delta.version" && attr.Value.AsString() == "1.2.0" {
			found = true
		}
	}
	if !found {
		t.Error("expected dbdelta.delta.version attribute")
	}
}

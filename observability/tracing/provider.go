// Package tracing wires OpenTelemetry tracing for upgrade and promotion runs.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultService = "dbdelta"

// Config selects the OTLP/HTTP collector spans are exported to. An empty
// Endpoint leaves tracing off.
type Config struct {
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Insecure       bool    `yaml:"insecure"`
	SampleRate     float64 `yaml:"sample_rate"`
}

// DefaultConfig returns a Config with tracing disabled.
func DefaultConfig() Config {
	return Config{ServiceName: defaultService, Insecure: true, SampleRate: 1.0}
}

// Enabled reports whether an exporter endpoint is configured.
func (c Config) Enabled() bool { return c.Endpoint != "" }

func (c Config) sampler() sdktrace.Sampler {
	if c.SampleRate > 0 && c.SampleRate < 1.0 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRate))
	}
	return sdktrace.AlwaysSample()
}

func (c Config) resource(ctx context.Context, command string) (*resource.Resource, error) {
	name := c.ServiceName
	if name == "" {
		name = defaultService
	}
	kv := []attribute.KeyValue{semconv.ServiceNameKey.String(name)}
	if c.ServiceVersion != "" {
		kv = append(kv, semconv.ServiceVersionKey.String(c.ServiceVersion))
	}
	if command != "" {
		kv = append(kv, attribute.String("dbdelta.command", command))
	}
	return resource.New(ctx, resource.WithAttributes(kv...))
}

// ShutdownFunc flushes buffered spans.
type ShutdownFunc func(context.Context) error

// Setup returns the PipelineTracer every command threads through its
// executor and orchestrator. When cfg is disabled the global no-op provider
// backs it and the returned ShutdownFunc does nothing. Otherwise an SDK
// provider exporting over OTLP/HTTP is installed globally.
func Setup(ctx context.Context, cfg Config, command string) (*PipelineTracer, ShutdownFunc, error) {
	if !cfg.Enabled() {
		return NewPipelineTracer(nil), func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: otlp exporter for %s: %w", cfg.Endpoint, err)
	}
	res, err := cfg.resource(ctx, command)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return NewPipelineTracer(tp.Tracer(defaultService)), tp.Shutdown, nil
}

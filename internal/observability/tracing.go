package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer for the gateway's spans: RPC
// dispatch, planning, and tool invocations. With no endpoint configured it
// degrades to a no-op tracer.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures trace export.
type TraceConfig struct {
	// ServiceName identifies this process in traces.
	ServiceName string

	// ServiceVersion identifies the build.
	ServiceVersion string

	// Endpoint is the OTLP gRPC collector (host:port). Empty disables export.
	Endpoint string
}

// NewTracer creates a tracer and its shutdown function. When config.Endpoint
// is empty, or the exporter cannot be built, a no-op tracer is returned and
// shutdown does nothing.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "moonbot"
	}
	noop := func(context.Context) error { return nil }

	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	t := &Tracer{provider: provider, tracer: provider.Tracer(config.ServiceName)}
	return t, provider.Shutdown
}

// StartRPC opens a span for one dispatched JSON-RPC method.
func (t *Tracer) StartRPC(ctx context.Context, method string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "rpc."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", method)),
	)
}

// StartInvocation opens a span for one tool invocation.
func (t *Tracer) StartInvocation(ctx context.Context, toolID, invocationID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool."+toolID,
		trace.WithAttributes(
			attribute.String("tool.id", toolID),
			attribute.String("invocation.id", invocationID),
		),
	)
}

// StartPlan opens a span for one planner call.
func (t *Tracer) StartPlan(ctx context.Context, provider string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "planner.plan",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("llm.provider", provider)),
	)
}

// RecordError records err on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

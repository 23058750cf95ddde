// Package telemetry sets up OpenTelemetry tracing for backend dispatches and
// discovery sweeps.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

const (
	serviceName     = "llmmux"
	instrumentation = "github.com/felipepmaragno/llmmux"
)

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// Init installs the global tracer provider. With no endpoint the global no-op
// provider stays in place and the returned Shutdown does nothing.
func Init(ctx context.Context, endpoint, version string) (Shutdown, error) {
	if endpoint == "" {
		slog.Info("tracing disabled, OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	tp, err := newProvider(ctx, endpoint, version)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("tracing enabled", "endpoint", endpoint)
	return tp.Shutdown, nil
}

func newProvider(ctx context.Context, endpoint, version string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	), nil
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

// StartDispatch opens a client span for one proxied request. Streaming
// requests get their own span name so their long durations do not skew
// buffered latency views.
func StartDispatch(ctx context.Context, req domain.ProxyRequest, backend domain.BackendEndpoint) (context.Context, trace.Span) {
	name := "proxy.dispatch"
	if req.Stream {
		name = "proxy.stream"
	}
	return tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llmmux.kind", string(req.Kind)),
			attribute.String("llmmux.model", req.Model),
			attribute.String("llmmux.api_key_id", req.APIKeyID),
			attribute.Bool("llmmux.stream", req.Stream),
			semconv.ServerAddress(backend.Host),
			semconv.ServerPort(backend.Port),
			attribute.String("url.full", backend.BaseURL+req.Path()),
		),
	)
}

// StartSweep opens the parent span of one discovery round.
func StartSweep(ctx context.Context, servers int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "discovery.sweep",
		trace.WithAttributes(attribute.Int("discovery.servers", servers)),
	)
}

// StartPoll opens a client span for a single /v1/models poll.
func StartPoll(ctx context.Context, server domain.ServerAddr) (context.Context, trace.Span) {
	return tracer().Start(ctx, "discovery.poll",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.ServerAddress(server.Host),
			semconv.ServerPort(server.Port),
		),
	)
}

func SetHTTPStatus(span trace.Span, status int) {
	span.SetAttributes(semconv.HTTPResponseStatusCode(status))
}

// Fail marks the span as errored.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

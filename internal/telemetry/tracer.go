package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName names spans emitted by this service.
const instrumentationName = "github.com/clipmarket/clipmarket-api-go"

// TracerProvider is the global tracer provider
var TracerProvider *sdktrace.TracerProvider

// InitTracer installs a tracer provider that exports spans to w as JSON.
// A nil w exports to stdout.
func InitTracer(serviceName, version string, w io.Writer) (*sdktrace.TracerProvider, error) {
	opts := []stdouttrace.Option{}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	} else {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	// Schemaless attributes merge cleanly with the SDK default resource
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	TracerProvider = tp
	return tp, nil
}

// ShutdownTracer flushes and stops the tracer provider.
func ShutdownTracer(ctx context.Context) {
	if TracerProvider != nil {
		if err := TracerProvider.Shutdown(ctx); err != nil {
			slog.Error("error shutting down tracer provider", "error", err)
		}
	}
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named name under ctx.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}

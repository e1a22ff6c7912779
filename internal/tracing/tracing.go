// Package tracing sets up OTLP trace export and small helpers for
// propagating trace context to outbound HTTP calls.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const serviceName = "aegis-platform"

var tracer oteltrace.Tracer = otel.Tracer(serviceName)

// Init configures the global tracer provider. When disabled it leaves
// the no-op provider in place so span helpers stay safe to call. The
// returned shutdown flushes pending spans.
func Init(ctx context.Context, enabled bool, endpoint string, logger *zap.Logger) (func(context.Context) error, error) {
	if !enabled {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(serviceName)

	logger.Info("tracing initialized", zap.String("endpoint", endpoint))
	return tp.Shutdown, nil
}

// StartSpan opens a span under the current context.
func StartSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, name)
}

// InjectTraceparent adds a W3C traceparent header to an outbound request.
func InjectTraceparent(ctx context.Context, req *http.Request) {
	sc := oteltrace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return
	}
	req.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-%02x",
		sc.TraceID(), sc.SpanID(), sc.TraceFlags()))
}

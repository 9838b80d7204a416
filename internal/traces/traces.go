// Package traces wires OpenTelemetry tracing into the orchestration
// services. Spans cover ledger postings, escrow provider calls and
// dispute resolution so a slow settlement can be traced end to end.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName     = "github.com/payrail/payrail"
	serviceName    = "payrail"
	serviceVersion = "0.1.0"
)

// Init configures the global tracer provider to export over OTLP gRPC.
// With an empty endpoint tracing stays on the default no-op provider,
// so StartSpan remains safe to call everywhere. The returned function
// flushes and shuts down the exporter.
func Init(ctx context.Context, otlpEndpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled, OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan opens a span on the shared tracer and attaches attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError marks span as failed and records err. Nil is a no-op so
// callers can use it unconditionally on the way out.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Attribute helpers keep span keys consistent across services.

func UserID(id string) attribute.KeyValue    { return attribute.String("user.id", id) }
func OrderID(id string) attribute.KeyValue   { return attribute.String("order.id", id) }
func EscrowID(id string) attribute.KeyValue  { return attribute.String("escrow.id", id) }
func DisputeID(id string) attribute.KeyValue { return attribute.String("dispute.id", id) }
func Amount(amount string) attribute.KeyValue {
	return attribute.String("amount", amount)
}
func Reference(ref string) attribute.KeyValue {
	return attribute.String("reference", ref)
}

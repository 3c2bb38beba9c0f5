// Package tracing sets up OpenTelemetry spans for sessions.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/breez/table-sync/logging"
	"github.com/breez/table-sync/types"
)

const instrumentationName = "github.com/breez/table-sync"

// Init installs a global tracer provider exporting to an OTLP grpc collector
// at endpoint. An empty endpoint keeps the no-op provider. The returned
// function flushes and stops the provider.
func Init(ctx context.Context, endpoint, serviceName string) (func(), error) {
	logger := logging.New("tracing")
	if endpoint == "" {
		logger.Debugf("tracing is disabled")
		return func() {}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Infof("exporting traces to %s", endpoint)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("shut down tracer provider: %v", err)
		}
	}, nil
}

// Tracer returns the tracer of the engine from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartStage starts the span of one session stage.
func StartStage(ctx context.Context, side types.Side, sessionID string, stage types.Stage) (context.Context, trace.Span) {
	return Tracer().Start(ctx, fmt.Sprintf("%s.%s", side, stage),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.side", string(side)),
			attribute.String("session.stage", stage.String()),
		))
}

// End ends span, recording err when not nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(types.KindOf(err)))
	}
	span.End()
}

// Package otelobs configures OpenTelemetry tracing for riskgate services.
package otelobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"riskgate/pkg/config"
	"riskgate/pkg/structlog"
)

// InitTracer sets up an OTLP HTTP exporter and returns a shutdown func.
// Tracing is disabled when OTEL_EXPORTER_OTLP_ENDPOINT is unset.
func InitTracer(serviceName string, logger *structlog.Logger) func(context.Context) error {
	if logger == nil {
		logger = structlog.NewLogger(serviceName, structlog.LevelInfo, nil)
	}
	endpoint := config.Get("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if endpoint == "" {
		logger.Info("tracing disabled, no OTLP endpoint configured", nil)
		return func(context.Context) error { return nil }
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Error("OTLP exporter init failed", structlog.Fields{"error": err.Error()})
		return func(context.Context) error { return nil }
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		logger.Warn("tracer resource init failed", structlog.Fields{"error": err.Error()})
	}

	tp := trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	logger.Info("tracing enabled", structlog.Fields{"endpoint": endpoint})
	return tp.Shutdown
}

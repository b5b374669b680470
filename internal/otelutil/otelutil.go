// Package otelutil wires the global OpenTelemetry tracer provider.
package otelutil

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/dkeye/jamsync/internal/config"
)

// Init installs a tracer provider for cfg. With no exporter configured it
// leaves the global no-op provider in place and returns a no-op shutdown.
func Init(ctx context.Context, cfg config.TelemetryConfig) (func(), error) {
	var exporter sdktrace.SpanExporter
	var err error
	switch {
	case cfg.OTLPEndpoint != "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case cfg.Stdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return func() {}, nil
	}
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "jamsync"
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(semconv.ServiceNameKey.String(name)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

// Package tracing installs the process-wide OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName identifies this process in exported spans.
const ServiceName = "billing-bridge"

// Config selects whether spans are exported and how.
type Config struct {
	Enabled bool
	Pretty  bool
	// Writer receives exported spans. Nil means stdout.
	Writer io.Writer
}

// TracerProvider wraps the sdk provider so callers can flush on shutdown.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider builds a provider and registers it globally. A disabled
// config yields a no-op tracer and leaves the global provider untouched.
func NewTracerProvider(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{tracer: noop.NewTracerProvider().Tracer(ServiceName)}, nil
	}

	opts := []stdouttrace.Option{}
	if cfg.Writer != nil {
		opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
	}
	if cfg.Pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(ServiceName),
	}, nil
}

// Tracer returns the provider's tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Package tracing initializes OpenTelemetry distributed tracing for the
// service. Every component acquires its tracer through otel.Tracer, so a
// disabled exporter degrades to no-op spans.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config contains configuration for OpenTelemetry tracing.
type Config struct {
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	Enabled        bool    `yaml:"enabled"`
	SampleRate     float64 `yaml:"sample_rate"`
	// ExportEndpoint is the OTLP/HTTP collector address, host:port.
	ExportEndpoint string        `yaml:"export_endpoint"`
	ExportTimeout  time.Duration `yaml:"export_timeout"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "openrag-connectors",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Enabled:        false,
		SampleRate:     1.0,
		ExportTimeout:  30 * time.Second,
	}
}

// Service owns the tracer provider lifecycle.
type Service struct {
	config   *Config
	provider *sdktrace.TracerProvider
}

// New initializes tracing and installs the global tracer provider. With
// tracing disabled it returns a Service whose Shutdown is a no-op.
func New(ctx context.Context, cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return &Service{config: cfg}, nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithTimeout(cfg.ExportTimeout),
		otlptracehttp.WithInsecure(),
	}
	if cfg.ExportEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.ExportEndpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Service{config: cfg, provider: provider}, nil
}

// Shutdown flushes pending spans and stops the provider.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}

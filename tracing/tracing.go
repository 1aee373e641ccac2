// Package tracing sets up OpenTelemetry tracing for task runs.
//
// Each task run becomes one span from start to finish, with an event per unit and per
// state change. When tracing is disabled a no-op tracer is returned, so callers never
// check.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
	ExporterNone   = "none"
)

// Config holds tracing settings.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is one of stdout, otlp or none. Defaults to otlp when an endpoint is set.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=stdout otlp none"`
	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	// SamplingRate is the fraction of runs traced, 0 to 1.
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// SetDefaults fills in unset fields.
func (c *Config) SetDefaults() {
	if c.Exporter == "" {
		if c.Endpoint != "" {
			c.Exporter = ExporterOTLP
		} else {
			c.Exporter = ExporterStdout
		}
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1
	}
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	if c.Enabled && c.Exporter == ExporterOTLP && c.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required for the otlp exporter")
	}
	return nil
}

// Provider owns the tracer provider for the process.
type Provider struct {
	provider *sdktrace.TracerProvider
}

// Option configures New.
type Option func(*options)

type options struct {
	out io.Writer
}

// WithWriter sets where the stdout exporter writes. Defaults to os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.out = w
	}
}

// New builds a Provider from cfg. A disabled config yields a Provider whose tracers are
// no-ops.
func New(ctx context.Context, cfg Config, serviceName, serviceVersion string, opts ...Option) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	switch cfg.Exporter {
	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(o.out))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	case ExporterOTLP:
		exporter, err := newOTLPExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	case ExporterNone:
		// Spans are created and sampled but never exported.
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}

	return &Provider{provider: sdktrace.NewTracerProvider(tpOpts...)}, nil
}

func newOTLPExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns a named tracer.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil || p.provider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.provider.Tracer(name)
}

// Shutdown flushes pending spans and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// TaskAttributes are the attributes put on every task run span.
func TaskAttributes(taskID, taskName, runID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task.id", taskID),
		attribute.String("task.name", taskName),
		attribute.String("run.id", runID),
	}
}

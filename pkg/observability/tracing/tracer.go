package tracing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// ErrInvalidTracerConfig classifies unusable tracer settings.
var ErrInvalidTracerConfig = errors.New("invalid tracer config")

const shutdownTimeout = 10 * time.Second

// TracerConfig describes the process running the job and where its spans go.
type TracerConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// JobName and JobType end up on the resource so every span of a run
	// can be filtered by job without per-span attributes.
	JobName string
	JobType string

	// Endpoint is the OTLP gRPC collector, e.g. "otel-collector:4317".
	Endpoint   string
	SampleRate float64
	Enabled    bool

	// Exporter replaces the OTLP exporter when set.
	Exporter sdktrace.SpanExporter
}

func (c TracerConfig) validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, fmt.Errorf("%w: service name is required", ErrInvalidTracerConfig))
	}
	if c.Endpoint == "" && c.Exporter == nil {
		errs = append(errs, fmt.Errorf("%w: OTLP endpoint is required", ErrInvalidTracerConfig))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("%w: sample rate must be between 0 and 1", ErrInvalidTracerConfig))
	}
	return errors.Join(errs...)
}

// TracerProvider owns the SDK provider installed for one job process.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	resource *resource.Resource
}

// NewTracerProvider installs a global tracer provider that exports job spans.
// When tracing is disabled the global provider is left untouched, so spans
// started through this package are no-ops.
func NewTracerProvider(ctx context.Context, cfg TracerConfig) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	exporter := cfg.Exporter
	if exporter == nil {
		otlp, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = otlp
	}

	res, err := resource.New(ctx, resource.WithAttributes(jobResourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
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

	return &TracerProvider{provider: provider, resource: res}, nil
}

func jobResourceAttributes(cfg TracerConfig) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	if cfg.JobName != "" {
		attrs = append(attrs, attribute.String("job.name", cfg.JobName))
	}
	if cfg.JobType != "" {
		attrs = append(attrs, attribute.String("job.type_id", cfg.JobType))
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		attrs = append(attrs, semconv.HostName(host))
	}
	return attrs
}

// Enabled reports whether spans are exported.
func (tp *TracerProvider) Enabled() bool {
	return tp != nil && tp.provider != nil
}

// Resource returns the resource attached to exported spans, nil when disabled.
func (tp *TracerProvider) Resource() *resource.Resource {
	if tp == nil {
		return nil
	}
	return tp.resource
}

// Shutdown flushes pending spans. The run's spans are lost if it is skipped.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if !tp.Enabled() {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := tp.provider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

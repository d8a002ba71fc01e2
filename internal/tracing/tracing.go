// Package tracing sets up OpenTelemetry tracing for Talos
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
)

// InstrumentationPrefix names every tracer Talos creates
const InstrumentationPrefix = "talos/"

// ErrorKindKey is the span attribute carrying the failure kind
const ErrorKindKey = attribute.Key("error.kind")

// Config selects the OTLP/HTTP collector and sampling
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	ServiceName     string        `yaml:"service_name" validate:"required_if=Enabled true"`
	ServiceVersion  string        `yaml:"service_version"`
	Environment     string        `yaml:"environment"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint" validate:"required_if=Enabled true"` // host:port
	Insecure        bool          `yaml:"insecure"`
	SampleRatio     float64       `yaml:"sample_ratio" validate:"gte=0,lte=1"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

// DefaultConfig leaves tracing off and samples everything once enabled
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:     serviceName,
		ServiceVersion:  "1.0.0",
		Environment:     "development",
		OTLPEndpoint:    "127.0.0.1:4318",
		Insecure:        true,
		SampleRatio:     1.0,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Provider owns the installed tracer provider. The zero value is a no-op.
type Provider struct {
	tp      *sdktrace.TracerProvider
	timeout time.Duration
	logger  *zap.Logger
}

// Setup installs a global tracer provider exporting spans over OTLP/HTTP.
// A disabled config installs nothing.
func Setup(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Debug("Tracing disabled")
		return &Provider{logger: logger}, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, talerrors.New(talerrors.KindConfiguration, "failed to create OTLP exporter", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("Tracing enabled",
		zap.String("otlp_endpoint", cfg.OTLPEndpoint),
		zap.String("environment", cfg.Environment),
		zap.Float64("sample_ratio", cfg.SampleRatio))
	return &Provider{tp: tp, timeout: cfg.ShutdownTimeout, logger: logger}, nil
}

// Shutdown flushes pending spans, bounded by the configured timeout
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		p.logger.Warn("Tracing shutdown incomplete", zap.Error(err))
		return err
	}
	return nil
}

// Tracer returns the global tracer for one Talos component
func Tracer(component string) trace.Tracer {
	return otel.Tracer(InstrumentationPrefix + component)
}

// SetError records err and its kind on the span and marks it failed.
// A nil err marks it ok.
func SetError(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetAttributes(ErrorKindKey.String(string(talerrors.KindOf(err))))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

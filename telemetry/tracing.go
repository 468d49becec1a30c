package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig controls OpenTelemetry span export for a gateway process.
type TracingConfig struct {
	ServiceName   string
	Version       string
	OTLPEndpoint  string
	Enabled       bool
	SamplingRatio float64
	Environment   string
}

// TracerProvider wraps the SDK tracer provider so callers don't need to
// import go.opentelemetry.io/otel/sdk/trace directly.
type TracerProvider struct {
	tp *sdktrace.TracerProvider
}

// InitTracing reads OTEL_* environment variables and sets up the global
// tracer provider. Returns nil if tracing is disabled, which is a valid
// no-op value for Shutdown.
//
// Recognized variables:
//   - OTEL_ENABLED (default true)
//   - OTEL_EXPORTER_OTLP_ENDPOINT (default http://localhost:4318)
//   - OTEL_SAMPLING_RATIO (default 1.0)
//   - OTEL_ENVIRONMENT (default "development")
func InitTracing(serviceName, version string) (*TracerProvider, error) {
	cfg := TracingConfig{
		ServiceName:   serviceName,
		Version:       version,
		OTLPEndpoint:  "http://localhost:4318",
		SamplingRatio: 1.0,
		Environment:   "development",
		Enabled:       os.Getenv("OTEL_ENABLED") != "false",
	}
	if !cfg.Enabled {
		return nil, nil
	}
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		cfg.OTLPEndpoint = ep
	}
	if ratio := os.Getenv("OTEL_SAMPLING_RATIO"); ratio != "" {
		if _, err := fmt.Sscanf(ratio, "%f", &cfg.SamplingRatio); err != nil {
			Logger.WithField("value", ratio).Warn("invalid OTEL_SAMPLING_RATIO, keeping default")
		}
	}
	if env := os.Getenv("OTEL_ENVIRONMENT"); env != "" {
		cfg.Environment = env
	}

	return NewTracerProvider(cfg)
}

// NewTracerProvider builds and installs a tracer provider as the process-wide
// global, publishing spans to an OTLP/HTTP collector.
func NewTracerProvider(cfg TracingConfig) (*TracerProvider, error) {
	ctx := context.Background()

	exporter, err := otlptrace.New(
		ctx,
		otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint)),
			otlptracehttp.WithInsecure(),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRatio <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans and stops the exporter. Safe to call on a
// nil provider (tracing disabled).
func (p *TracerProvider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}

// Tracer returns a named tracer from the global provider, for components
// that want to start spans without holding a *TracerProvider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

func stripScheme(endpoint string) string {
	switch {
	case len(endpoint) > 7 && endpoint[:7] == "http://":
		return endpoint[7:]
	case len(endpoint) > 8 && endpoint[:8] == "https://":
		return endpoint[8:]
	default:
		return endpoint
	}
}

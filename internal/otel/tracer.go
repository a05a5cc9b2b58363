// Package otel provides optional OpenTelemetry tracing and metrics for
// the request path. Disabled by default; enabling selects an exporter
// (stdout or OTLP over gRPC/HTTP).
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExporterType selects the telemetry exporter.
type ExporterType string

const (
	// ExporterNone disables telemetry (no-op).
	ExporterNone ExporterType = "none"
	// ExporterStdout exports to stdout, useful for debugging.
	ExporterStdout ExporterType = "stdout"
	// ExporterOTLPGRPC exports via OTLP over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP exports via OTLP over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// Config holds configuration for the tracer.
type Config struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool

	// ServiceName attributes spans to a service.
	ServiceName string

	// ServiceVersion is the service version.
	ServiceVersion string

	// ExporterType selects the exporter.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool
}

// DefaultConfig returns tracing disabled.
func DefaultConfig() *Config {
	return &Config{Enabled: false, ServiceName: "quicfetch", ExporterType: ExporterNone}
}

// Tracer wraps the OpenTelemetry tracer with request-path helpers.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	shutdown func(context.Context) error
	mu       sync.Mutex
}

// NewTracer initializes tracing from config. With Enabled false (or
// ExporterNone) a no-op tracer is returned.
func NewTracer(ctx context.Context, cfg *Config) (*Tracer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled || cfg.ExporterType == ExporterNone || cfg.ExporterType == "" {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("quicfetch")}, nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.ExporterType {
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("otel: unknown exporter type %q", cfg.ExporterType)
	}
	if err != nil {
		return nil, fmt.Errorf("otel: create exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("otel: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{
		tracer:   provider.Tracer("quicfetch"),
		provider: provider,
		shutdown: provider.Shutdown,
	}, nil
}

// StartRequest opens a span for one request.
func (t *Tracer) StartRequest(ctx context.Context, method, url, version string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "http.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("url.full", url),
			attribute.String("network.protocol.name", version),
		))
}

// EndRequest closes a request span with its outcome.
func (t *Tracer) EndRequest(span trace.Span, status int, err error) {
	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// Shutdown flushes and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown == nil {
		return nil
	}
	fn := t.shutdown
	t.shutdown = nil
	return fn(ctx)
}

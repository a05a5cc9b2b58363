package otel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics wraps the request-path instruments: request latency, error
// counts, active streams, cache hits/misses, and retry attempts.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	shutdown func(context.Context) error
	mu       sync.Mutex
	enabled  bool

	requestLatency metric.Float64Histogram
	errorCounter   metric.Int64Counter
	activeStreams  metric.Int64UpDownCounter
	cacheLookups   metric.Int64Counter
	retryCounter   metric.Int64Counter
}

// NewMetrics initializes metrics from config. Disabled config returns a
// no-op Metrics whose record methods are cheap nils.
func NewMetrics(ctx context.Context, cfg *Config) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled || cfg.ExporterType == ExporterNone || cfg.ExporterType == "" {
		return &Metrics{}, nil
	}

	var (
		reader sdkmetric.Reader
		err    error
	)
	switch cfg.ExporterType {
	case ExporterStdout:
		var exp sdkmetric.Exporter
		exp, err = stdoutmetric.New()
		if err == nil {
			reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
		}
	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		var exp sdkmetric.Exporter
		exp, err = otlpmetricgrpc.New(ctx, opts...)
		if err == nil {
			reader = sdkmetric.NewPeriodicReader(exp)
		}
	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		var exp sdkmetric.Exporter
		exp, err = otlpmetrichttp.New(ctx, opts...)
		if err == nil {
			reader = sdkmetric.NewPeriodicReader(exp)
		}
	default:
		return nil, fmt.Errorf("otel: unknown exporter type %q", cfg.ExporterType)
	}
	if err != nil {
		return nil, fmt.Errorf("otel: create metric exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("otel: build resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter("quicfetch")

	m := &Metrics{
		provider: provider,
		shutdown: provider.Shutdown,
		enabled:  true,
	}
	if m.requestLatency, err = meter.Float64Histogram("http.client.request.duration",
		metric.WithDescription("Request duration from emission to terminal chunk"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.errorCounter, err = meter.Int64Counter("http.client.errors",
		metric.WithDescription("Requests ending in an error chunk")); err != nil {
		return nil, err
	}
	if m.activeStreams, err = meter.Int64UpDownCounter("http.client.active_streams",
		metric.WithDescription("In-flight response streams")); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = meter.Int64Counter("http.client.cache.lookups",
		metric.WithDescription("Response cache lookups by outcome")); err != nil {
		return nil, err
	}
	if m.retryCounter, err = meter.Int64Counter("http.client.retries",
		metric.WithDescription("Retry attempts scheduled")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRequest records one completed request.
func (m *Metrics) RecordRequest(ctx context.Context, version string, status int, elapsed time.Duration) {
	if !m.enabled {
		return
	}
	m.requestLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("network.protocol.name", version),
		attribute.Int("http.response.status_code", status),
	))
}

// RecordError counts a failed request by error type.
func (m *Metrics) RecordError(ctx context.Context, errType string) {
	if !m.enabled {
		return
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("error.type", errType)))
}

// StreamOpened and StreamClosed track in-flight streams.
func (m *Metrics) StreamOpened(ctx context.Context) {
	if m.enabled {
		m.activeStreams.Add(ctx, 1)
	}
}

// StreamClosed decrements the in-flight gauge.
func (m *Metrics) StreamClosed(ctx context.Context) {
	if m.enabled {
		m.activeStreams.Add(ctx, -1)
	}
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if !m.enabled {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRetry counts one scheduled retry.
func (m *Metrics) RecordRetry(ctx context.Context) {
	if m.enabled {
		m.retryCounter.Add(ctx, 1)
	}
}

// Shutdown flushes and stops the exporter.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown == nil {
		return nil
	}
	fn := m.shutdown
	m.shutdown = nil
	return fn(ctx)
}

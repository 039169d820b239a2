// Package telemetry sets up OpenTelemetry export and trace-aware logging.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/soilprobe/config"
)

// Providers holds the tracer and meter providers that were installed globally
type Providers struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
	logger         *zap.Logger
}

// InitProviders installs global OTLP tracer and meter providers. It returns
// nil when OpenTelemetry is disabled; the global no-op providers stay in
// place and instrumented code keeps working.
func InitProviders(ctx context.Context, cfg *config.OpenTelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if !cfg.Enabled {
		logger.Info("OpenTelemetry is disabled")
		return nil, nil
	}

	res := newResource(cfg)
	providers := &Providers{logger: logger}

	if cfg.Traces.Enabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer provider: %w", err)
		}
		providers.TracerProvider = tp
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

		logger.Info("tracer provider initialized",
			zap.String("endpoint", cfg.TracesEndpoint()),
			zap.Float64("sampling_ratio", cfg.Traces.SamplingRatio),
		)
	}

	if cfg.Metrics.Enabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			if providers.TracerProvider != nil {
				_ = providers.TracerProvider.Shutdown(ctx)
			}
			return nil, fmt.Errorf("failed to create meter provider: %w", err)
		}
		providers.MeterProvider = mp
		otel.SetMeterProvider(mp)

		logger.Info("meter provider initialized",
			zap.String("endpoint", cfg.MetricsEndpoint()),
			zap.Int("interval_ms", cfg.Metrics.IntervalMillis),
		)

		if cfg.Metrics.EnableRuntimeMetrics {
			if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
				logger.Warn("failed to start runtime metrics collection", zap.Error(err))
			}
		}
	}

	return providers, nil
}

// Shutdown flushes and stops the providers
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		p.logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
		return err
	}

	p.logger.Info("OpenTelemetry providers shutdown complete")
	return nil
}

func newResource(cfg *config.OpenTelemetryConfig) *resource.Resource {
	attributes := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	}
	for key, value := range cfg.ResourceAttributes {
		attributes = append(attributes, attribute.String(key, value))
	}
	if hostname, err := os.Hostname(); err == nil {
		attributes = append(attributes, semconv.HostNameKey.String(hostname))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attributes...)
}

func newTracerProvider(ctx context.Context, cfg *config.OpenTelemetryConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	endpoint := cfg.TracesEndpoint()
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecureEndpoint(endpoint) {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if headers := cfg.TracesHeaders(); len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	bsp := trace.NewBatchSpanProcessor(exporter,
		trace.WithMaxQueueSize(cfg.Traces.Batch.MaxQueueSize),
		trace.WithMaxExportBatchSize(cfg.Traces.Batch.MaxExportBatchSize),
		trace.WithBatchTimeout(time.Duration(cfg.Traces.Batch.ScheduleDelayMillis)*time.Millisecond),
	)

	return trace.NewTracerProvider(
		trace.WithSampler(trace.TraceIDRatioBased(cfg.Traces.SamplingRatio)),
		trace.WithResource(res),
		trace.WithSpanProcessor(bsp),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *config.OpenTelemetryConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	endpoint := cfg.MetricsEndpoint()
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecureEndpoint(endpoint) {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if headers := cfg.MetricsHeaders(); len(headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(headers))
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	reader := metric.NewPeriodicReader(exporter,
		metric.WithInterval(time.Duration(cfg.Metrics.IntervalMillis)*time.Millisecond),
	)

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(reader),
	), nil
}

// insecureEndpoint reports whether plain HTTP should be used. Collectors on
// the device itself are reached without TLS.
func insecureEndpoint(endpoint string) bool {
	for _, prefix := range []string{"localhost:", "127.0.0.1:", "[::1]:"} {
		if strings.HasPrefix(endpoint, prefix) {
			return true
		}
	}
	return false
}

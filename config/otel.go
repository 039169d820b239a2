package config

import (
	"fmt"
	"os"
)

// OpenTelemetryConfig contains OTLP export settings
type OpenTelemetryConfig struct {
	Enabled            bool              `yaml:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	ServiceName        string            `yaml:"serviceName" env:"OTEL_SERVICE_NAME" env-default:"soilprobe"`
	ServiceVersion     string            `yaml:"serviceVersion" env:"OTEL_SERVICE_VERSION" env-default:"1.0.0"`
	Environment        string            `yaml:"environment" env:"OTEL_ENVIRONMENT" env-default:"production"`
	Endpoint           string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Headers            map[string]string `yaml:"headers"`
	Traces             OTelTracesConfig  `yaml:"traces"`
	Metrics            OTelMetricsConfig `yaml:"metrics"`
	ResourceAttributes map[string]string `yaml:"resourceAttributes"`
}

// OTelTracesConfig contains trace export settings
type OTelTracesConfig struct {
	Enabled       bool              `yaml:"enabled" env:"OTEL_TRACES_ENABLED" env-default:"true"`
	Endpoint      string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	Headers       map[string]string `yaml:"headers"`
	SamplingRatio float64           `yaml:"samplingRatio" env:"OTEL_TRACES_SAMPLING_RATIO" env-default:"1.0"`
	Batch         OTelBatchConfig   `yaml:"batch"`
}

// OTelMetricsConfig contains metric export settings
type OTelMetricsConfig struct {
	Enabled              bool              `yaml:"enabled" env:"OTEL_METRICS_ENABLED" env-default:"true"`
	Endpoint             string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"`
	Headers              map[string]string `yaml:"headers"`
	IntervalMillis       int               `yaml:"intervalMillis" env:"OTEL_METRICS_INTERVAL" env-default:"30000"`
	EnableRuntimeMetrics bool              `yaml:"enableRuntimeMetrics" env:"OTEL_ENABLE_RUNTIME_METRICS" env-default:"true"`
}

// OTelBatchConfig configures the span batch processor
type OTelBatchConfig struct {
	ScheduleDelayMillis int `yaml:"scheduleDelayMillis" env:"OTEL_BSP_SCHEDULE_DELAY" env-default:"5000"`
	MaxQueueSize        int `yaml:"maxQueueSize" env:"OTEL_BSP_MAX_QUEUE_SIZE" env-default:"2048"`
	MaxExportBatchSize  int `yaml:"maxExportBatchSize" env:"OTEL_BSP_MAX_EXPORT_BATCH_SIZE" env-default:"512"`
}

// TracesEndpoint resolves the trace endpoint: explicit setting, then the
// signal specific env var, then the shared endpoint
func (c *OpenTelemetryConfig) TracesEndpoint() string {
	return firstNonEmpty(c.Traces.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"), c.Endpoint)
}

// MetricsEndpoint resolves the metric endpoint the same way as TracesEndpoint
func (c *OpenTelemetryConfig) MetricsEndpoint() string {
	return firstNonEmpty(c.Metrics.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"), c.Endpoint)
}

// TracesHeaders returns trace specific headers, falling back to shared ones
func (c *OpenTelemetryConfig) TracesHeaders() map[string]string {
	if len(c.Traces.Headers) > 0 {
		return c.Traces.Headers
	}
	return c.Headers
}

// MetricsHeaders returns metric specific headers, falling back to shared ones
func (c *OpenTelemetryConfig) MetricsHeaders() map[string]string {
	if len(c.Metrics.Headers) > 0 {
		return c.Metrics.Headers
	}
	return c.Headers
}

// Validate checks the OpenTelemetry section when enabled
func (c *OpenTelemetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.ServiceName == "" {
		return fmt.Errorf("opentelemetry service name is required when OpenTelemetry is enabled")
	}

	if c.Traces.Enabled {
		if c.TracesEndpoint() == "" {
			return fmt.Errorf("opentelemetry traces endpoint is required when traces are enabled")
		}
		if c.Traces.SamplingRatio < 0 || c.Traces.SamplingRatio > 1 {
			return fmt.Errorf("opentelemetry traces sampling ratio must be between 0 and 1, got: %f", c.Traces.SamplingRatio)
		}
		if c.Traces.Batch.ScheduleDelayMillis < 0 {
			return fmt.Errorf("opentelemetry traces batch schedule delay must be >= 0")
		}
		if c.Traces.Batch.MaxQueueSize < 1 || c.Traces.Batch.MaxExportBatchSize < 1 {
			return fmt.Errorf("opentelemetry traces batch sizes must be >= 1")
		}
	}

	if c.Metrics.Enabled {
		if c.MetricsEndpoint() == "" {
			return fmt.Errorf("opentelemetry metrics endpoint is required when metrics are enabled")
		}
		if c.Metrics.IntervalMillis < 1000 {
			return fmt.Errorf("opentelemetry metrics interval must be at least 1000ms (1 second)")
		}
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

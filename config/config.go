// Package config loads the agent configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mjasion/balena-home/soilprobe/probe"
	"github.com/mjasion/balena-home/soilprobe/report"
)

// Config holds all configuration of the soil probe agent
type Config struct {
	Probe         ProbeConfig         `yaml:"probe"`
	Sampling      SamplingConfig      `yaml:"sampling"`
	Report        ReportConfig        `yaml:"report"`
	Prometheus    PrometheusConfig    `yaml:"prometheus"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	HealthCheck   HealthCheckConfig   `yaml:"healthCheck"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	Logging       LoggingConfig       `yaml:"logging"`
	OpenTelemetry OpenTelemetryConfig `yaml:"opentelemetry"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
}

// ProbeConfig describes the SDI-12 bus the sensor hangs on
type ProbeConfig struct {
	Port                  string `yaml:"port" env:"PROBE_PORT" env-default:"/dev/ttyUSB0"`
	BaudRate              int    `yaml:"baudRate" env:"PROBE_BAUD_RATE" env-default:"1200"`
	Address               string `yaml:"address" env:"PROBE_ADDRESS" env-default:"?"`
	ResponseTimeoutMillis int    `yaml:"responseTimeoutMillis" env:"PROBE_RESPONSE_TIMEOUT_MILLIS" env-default:"100"`
	// DirectionPin names the GPIO switching the bus transceiver, e.g. GPIO17
	DirectionPin string `yaml:"directionPin" env:"PROBE_DIRECTION_PIN"`
	Inverted     bool   `yaml:"inverted" env:"PROBE_INVERTED" env-default:"false"`
}

// SamplingConfig holds the per-cycle sampling parameters
type SamplingConfig struct {
	NumSamples         int     `yaml:"numSamples" env:"SAMPLING_NUM_SAMPLES" env-default:"5"`
	BulkDensity        float64 `yaml:"bulkDensity" env:"SAMPLING_BULK_DENSITY" env-default:"0.4"`
	CycleDelayMillis   int     `yaml:"cycleDelayMillis" env:"SAMPLING_CYCLE_DELAY_MILLIS" env-default:"100"`
	MaxAttempts        int     `yaml:"maxAttempts" env:"SAMPLING_MAX_ATTEMPTS" env-default:"10"`
	RetryBackoffMillis int     `yaml:"retryBackoffMillis" env:"SAMPLING_RETRY_BACKOFF_MILLIS" env-default:"50"`
}

// ReportConfig selects where report lines are written
type ReportConfig struct {
	Output    string `yaml:"output" env:"REPORT_OUTPUT" env-default:"stdout"`
	BaudRate  int    `yaml:"baudRate" env:"REPORT_BAUD_RATE" env-default:"9600"`
	Timestamp string `yaml:"timestamp" env:"REPORT_TIMESTAMP" env-default:"placeholder"`
}

// PrometheusConfig contains remote_write settings
type PrometheusConfig struct {
	Enabled             bool   `yaml:"enabled" env:"PROMETHEUS_ENABLED" env-default:"false"`
	URL                 string `yaml:"url" env:"PROMETHEUS_URL"`
	Username            string `yaml:"username" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"password" env:"PROMETHEUS_PASSWORD"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PROMETHEUS_PUSH_INTERVAL_SECONDS" env-default:"15"`
	BufferSize          int    `yaml:"bufferSize" env:"PROMETHEUS_BUFFER_SIZE" env-default:"1000"`
	BatchSize           int    `yaml:"batchSize" env:"PROMETHEUS_BATCH_SIZE" env-default:"500"`
}

// InfluxDBConfig contains InfluxDB v2 write settings
type InfluxDBConfig struct {
	Enabled     bool   `yaml:"enabled" env:"INFLUXDB_ENABLED" env-default:"false"`
	URL         string `yaml:"url" env:"INFLUXDB_URL"`
	Token       string `yaml:"token" env:"INFLUXDB_TOKEN"`
	Org         string `yaml:"org" env:"INFLUXDB_ORG"`
	Bucket      string `yaml:"bucket" env:"INFLUXDB_BUCKET"`
	Measurement string `yaml:"measurement" env:"INFLUXDB_MEASUREMENT" env-default:"soilprobe"`
}

// HealthCheckConfig contains the HTTP health server settings
type HealthCheckConfig struct {
	Enabled           bool `yaml:"enabled" env:"HEALTH_CHECK_ENABLED" env-default:"true"`
	Port              int  `yaml:"port" env:"HEALTH_CHECK_PORT" env-default:"8080"`
	StaleAfterSeconds int  `yaml:"staleAfterSeconds" env:"HEALTH_CHECK_STALE_AFTER_SECONDS" env-default:"60"`
}

// HeartbeatConfig contains the external liveness ping settings
type HeartbeatConfig struct {
	Enabled  bool   `yaml:"enabled" env:"HEARTBEAT_ENABLED" env-default:"false"`
	URL      string `yaml:"url" env:"HEARTBEAT_URL"`
	Schedule string `yaml:"schedule" env:"HEARTBEAT_SCHEDULE" env-default:"@every 1m"`
}

// Load reads configuration from configPath and applies environment
// overrides. An empty path reads the environment only.
func Load(configPath string) (*Config, error) {
	var cfg Config

	if configPath == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks ranges and normalizes enumerated values
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Probe.Port) == "" {
		return fmt.Errorf("probe.port cannot be empty")
	}
	if c.Probe.BaudRate <= 0 {
		return fmt.Errorf("probe.baudRate must be positive, got %d", c.Probe.BaudRate)
	}
	if !validAddress(c.Probe.Address) {
		return fmt.Errorf("probe.address must be a single character 0-9, a-z, A-Z or '?', got %q", c.Probe.Address)
	}
	if c.Probe.ResponseTimeoutMillis <= 0 {
		return fmt.Errorf("probe.responseTimeoutMillis must be positive, got %d", c.Probe.ResponseTimeoutMillis)
	}

	if c.Sampling.NumSamples < 1 {
		return fmt.Errorf("sampling.numSamples must be at least 1, got %d", c.Sampling.NumSamples)
	}
	if c.Sampling.BulkDensity <= 0 || c.Sampling.BulkDensity >= probe.MineralDensity {
		return fmt.Errorf("sampling.bulkDensity must be between 0 and %.2f exclusive, got %f", probe.MineralDensity, c.Sampling.BulkDensity)
	}
	if c.Sampling.CycleDelayMillis < 0 {
		return fmt.Errorf("sampling.cycleDelayMillis must be >= 0, got %d", c.Sampling.CycleDelayMillis)
	}
	if c.Sampling.MaxAttempts < 0 {
		return fmt.Errorf("sampling.maxAttempts must be >= 0, got %d", c.Sampling.MaxAttempts)
	}
	if c.Sampling.RetryBackoffMillis < 0 {
		return fmt.Errorf("sampling.retryBackoffMillis must be >= 0, got %d", c.Sampling.RetryBackoffMillis)
	}

	c.Report.Timestamp = strings.ToLower(c.Report.Timestamp)
	switch report.TimestampMode(c.Report.Timestamp) {
	case report.TimestampPlaceholder, report.TimestampRFC3339:
	default:
		return fmt.Errorf("report.timestamp must be 'placeholder' or 'rfc3339', got '%s'", c.Report.Timestamp)
	}
	if c.Report.Output != report.StdoutOutput && c.Report.BaudRate <= 0 {
		return fmt.Errorf("report.baudRate must be positive, got %d", c.Report.BaudRate)
	}

	if c.Prometheus.Enabled {
		if _, err := url.ParseRequestURI(c.Prometheus.URL); err != nil {
			return fmt.Errorf("invalid prometheus.url: %w", err)
		}
		if c.Prometheus.PushIntervalSeconds <= 0 {
			return fmt.Errorf("prometheus.pushIntervalSeconds must be positive, got %d", c.Prometheus.PushIntervalSeconds)
		}
		if c.Prometheus.BufferSize <= 0 {
			return fmt.Errorf("prometheus.bufferSize must be positive, got %d", c.Prometheus.BufferSize)
		}
		if c.Prometheus.BatchSize <= 0 {
			return fmt.Errorf("prometheus.batchSize must be positive, got %d", c.Prometheus.BatchSize)
		}
	}

	if c.InfluxDB.Enabled {
		if _, err := url.ParseRequestURI(c.InfluxDB.URL); err != nil {
			return fmt.Errorf("invalid influxdb.url: %w", err)
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			return fmt.Errorf("influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
		if c.InfluxDB.Measurement == "" {
			return fmt.Errorf("influxdb.measurement cannot be empty")
		}
	}

	if c.HealthCheck.Enabled {
		if c.HealthCheck.Port <= 0 || c.HealthCheck.Port > 65535 {
			return fmt.Errorf("healthCheck.port must be between 1 and 65535, got %d", c.HealthCheck.Port)
		}
		if c.HealthCheck.StaleAfterSeconds <= 0 {
			return fmt.Errorf("healthCheck.staleAfterSeconds must be positive, got %d", c.HealthCheck.StaleAfterSeconds)
		}
	}

	if c.Heartbeat.Enabled {
		if _, err := url.ParseRequestURI(c.Heartbeat.URL); err != nil {
			return fmt.Errorf("invalid heartbeat.url: %w", err)
		}
		if _, err := cron.ParseStandard(c.Heartbeat.Schedule); err != nil {
			return fmt.Errorf("invalid heartbeat.schedule: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}
	if err := c.OpenTelemetry.Validate(); err != nil {
		return fmt.Errorf("opentelemetry validation failed: %w", err)
	}
	if err := c.Profiling.Validate(); err != nil {
		return fmt.Errorf("profiling validation failed: %w", err)
	}

	return nil
}

func validAddress(a string) bool {
	if len(a) != 1 {
		return false
	}
	switch ch := a[0]; {
	case ch == '?':
		return true
	case ch >= '0' && ch <= '9', ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z':
		return true
	}
	return false
}

// SamplingSettings converts the sampling section into sampler settings
func (c *Config) SamplingSettings() probe.Settings {
	return probe.Settings{
		NumSamples:   c.Sampling.NumSamples,
		BulkDensity:  c.Sampling.BulkDensity,
		MaxAttempts:  c.Sampling.MaxAttempts,
		RetryBackoff: time.Duration(c.Sampling.RetryBackoffMillis) * time.Millisecond,
	}
}

// ProbeAddress returns the configured bus address byte
func (c *Config) ProbeAddress() byte {
	return c.Probe.Address[0]
}

func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.Probe.ResponseTimeoutMillis) * time.Millisecond
}

func (c *Config) CycleDelay() time.Duration {
	return time.Duration(c.Sampling.CycleDelayMillis) * time.Millisecond
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.HealthCheck.StaleAfterSeconds) * time.Second
}

// Redacted returns the configuration with secrets masked, suitable for logging
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"probe": map[string]interface{}{
			"port":                  c.Probe.Port,
			"baudRate":              c.Probe.BaudRate,
			"address":               c.Probe.Address,
			"responseTimeoutMillis": c.Probe.ResponseTimeoutMillis,
			"directionPin":          c.Probe.DirectionPin,
			"inverted":              c.Probe.Inverted,
		},
		"sampling": map[string]interface{}{
			"numSamples":         c.Sampling.NumSamples,
			"bulkDensity":        c.Sampling.BulkDensity,
			"cycleDelayMillis":   c.Sampling.CycleDelayMillis,
			"maxAttempts":        c.Sampling.MaxAttempts,
			"retryBackoffMillis": c.Sampling.RetryBackoffMillis,
		},
		"report": map[string]interface{}{
			"output":    c.Report.Output,
			"baudRate":  c.Report.BaudRate,
			"timestamp": c.Report.Timestamp,
		},
		"prometheus": map[string]interface{}{
			"enabled":             c.Prometheus.Enabled,
			"url":                 redactURL(c.Prometheus.URL),
			"username":            c.Prometheus.Username,
			"password":            mask(c.Prometheus.Password),
			"pushIntervalSeconds": c.Prometheus.PushIntervalSeconds,
			"bufferSize":          c.Prometheus.BufferSize,
			"batchSize":           c.Prometheus.BatchSize,
		},
		"influxdb": map[string]interface{}{
			"enabled":     c.InfluxDB.Enabled,
			"url":         redactURL(c.InfluxDB.URL),
			"token":       mask(c.InfluxDB.Token),
			"org":         c.InfluxDB.Org,
			"bucket":      c.InfluxDB.Bucket,
			"measurement": c.InfluxDB.Measurement,
		},
		"healthCheck": map[string]interface{}{
			"enabled":           c.HealthCheck.Enabled,
			"port":              c.HealthCheck.Port,
			"staleAfterSeconds": c.HealthCheck.StaleAfterSeconds,
		},
		"heartbeat": map[string]interface{}{
			"enabled":  c.Heartbeat.Enabled,
			"url":      redactURL(c.Heartbeat.URL),
			"schedule": c.Heartbeat.Schedule,
		},
		"logging": map[string]interface{}{
			"logFormat": c.Logging.Format,
			"logLevel":  c.Logging.Level,
		},
		"opentelemetry": map[string]interface{}{
			"enabled":        c.OpenTelemetry.Enabled,
			"serviceName":    c.OpenTelemetry.ServiceName,
			"serviceVersion": c.OpenTelemetry.ServiceVersion,
			"environment":    c.OpenTelemetry.Environment,
			"tracesEnabled":  c.OpenTelemetry.Traces.Enabled,
			"metricsEnabled": c.OpenTelemetry.Metrics.Enabled,
		},
		"profiling": map[string]interface{}{
			"enabled":         c.Profiling.Enabled,
			"applicationName": c.Profiling.ApplicationName,
			"serverAddress":   c.Profiling.ServerAddress,
		},
	}
}

// DumpYAML writes the redacted effective configuration as YAML
func (c *Config) DumpYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// NewLogger creates a zap logger from the logging section
func (c *Config) NewLogger() (*zap.Logger, error) {
	return c.Logging.NewLogger()
}

// PrintConfig logs the configuration without secrets
func (c *Config) PrintConfig(logger *zap.Logger) {
	logger.Info("configuration loaded",
		zap.String("probe_port", c.Probe.Port),
		zap.String("probe_address", c.Probe.Address),
		zap.Int("probe_response_timeout_ms", c.Probe.ResponseTimeoutMillis),
		zap.String("probe_direction_pin", c.Probe.DirectionPin),
		zap.Int("num_samples", c.Sampling.NumSamples),
		zap.Float64("bulk_density", c.Sampling.BulkDensity),
		zap.Int("cycle_delay_ms", c.Sampling.CycleDelayMillis),
		zap.Int("max_attempts", c.Sampling.MaxAttempts),
		zap.String("report_output", c.Report.Output),
		zap.String("report_timestamp", c.Report.Timestamp),
		zap.Bool("prometheus_enabled", c.Prometheus.Enabled),
		zap.String("prometheus_url", redactURL(c.Prometheus.URL)),
		zap.Bool("prometheus_password_set", c.Prometheus.Password != ""),
		zap.Bool("influxdb_enabled", c.InfluxDB.Enabled),
		zap.Bool("influxdb_token_set", c.InfluxDB.Token != ""),
		zap.Bool("health_check_enabled", c.HealthCheck.Enabled),
		zap.Int("health_check_port", c.HealthCheck.Port),
		zap.Bool("heartbeat_enabled", c.Heartbeat.Enabled),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
	)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// redactURL removes credentials from URLs for logging
func redactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}

package metrics

import (
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/soilprobe/probe"
)

// InfluxConfig contains InfluxDB v2 connection settings
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	Tags        map[string]string
}

// InfluxSink writes cycle results to InfluxDB through the non-blocking write
// API. Write errors are reported asynchronously and only logged.
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
	tags        map[string]string
	logger      *zap.Logger
}

// NewInfluxSink creates the client and starts draining its error channel
func NewInfluxSink(cfg InfluxConfig, logger *zap.Logger) *InfluxSink {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(50).SetFlushInterval(10_000))

	s := &InfluxSink{
		client:      client,
		writeAPI:    client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		tags:        cfg.Tags,
		logger:      logger,
	}

	errCh := s.writeAPI.Errors()
	go func() {
		for err := range errCh {
			s.logger.Error("failed to write to InfluxDB", zap.Error(err))
		}
	}()

	logger.Info("InfluxDB sink initialized",
		zap.String("url", cfg.URL),
		zap.String("org", cfg.Org),
		zap.String("bucket", cfg.Bucket),
		zap.String("measurement", cfg.Measurement),
	)
	return s
}

// Record queues one point per cycle
func (s *InfluxSink) Record(r *probe.CycleResult) {
	tags := make(map[string]string, len(s.tags)+1)
	for k, v := range s.tags {
		tags[k] = v
	}
	tags["status"] = r.Status.String()

	s.writeAPI.WritePoint(influxdb2.NewPoint(s.measurement, tags, map[string]interface{}{
		"soil_moisture":           r.SoilMoistureMean,
		"temperature_celsius":     r.TemperatureMean,
		"dielectric_permittivity": r.DielectricMean,
		"bulk_ec":                 r.BulkECMean,
		"solution_ec":             r.SolutionECMean,
		"samples":                 r.Samples,
		"attempts":                r.Attempts,
	}, r.Timestamp))
}

// Flush forces queued points out
func (s *InfluxSink) Flush() {
	s.writeAPI.Flush()
}

// Close flushes pending points and releases the client
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

package metrics

import (
	"context"
	"math"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mjasion/balena-home/soilprobe/probe"
)

// series describes one exported metric and how to read it off a cycle
type series struct {
	name  string
	value func(r *probe.CycleResult) float64
}

var probeSeries = []series{
	{"soilprobe_soil_moisture", func(r *probe.CycleResult) float64 { return r.SoilMoistureMean }},
	{"soilprobe_temperature_celsius", func(r *probe.CycleResult) float64 { return r.TemperatureMean }},
	{"soilprobe_dielectric_permittivity", func(r *probe.CycleResult) float64 { return r.DielectricMean }},
	{"soilprobe_bulk_ec", func(r *probe.CycleResult) float64 { return r.BulkECMean }},
	{"soilprobe_solution_ec", func(r *probe.CycleResult) float64 { return r.SolutionECMean }},
	{"soilprobe_status", statusValue},
	{"soilprobe_samples", func(r *probe.CycleResult) float64 { return float64(r.Samples) }},
}

// statusValue encodes the classification as 0 low, 1 good, 2 high
func statusValue(r *probe.CycleResult) float64 {
	switch r.Status {
	case probe.StatusLow:
		return 0
	case probe.StatusGood:
		return 1
	case probe.StatusHigh:
		return 2
	}
	return math.NaN()
}

// BuildTimeSeries turns cycle results into one time series per exported
// metric. Labels are attached to every series and must already be sorted by
// name.
func BuildTimeSeries(ctx context.Context, results []*probe.CycleResult, labels []prompb.Label) []prompb.TimeSeries {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildTimeSeries")
	defer span.End()

	if len(results) == 0 {
		span.SetStatus(codes.Ok, "no results")
		return nil
	}

	timeSeries := make([]prompb.TimeSeries, 0, len(probeSeries))
	for _, s := range probeSeries {
		samples := make([]prompb.Sample, 0, len(results))
		for _, r := range results {
			samples = append(samples, prompb.Sample{
				Value:     s.value(r),
				Timestamp: r.Timestamp.UnixMilli(),
			})
		}

		seriesLabels := make([]prompb.Label, 0, len(labels)+1)
		seriesLabels = append(seriesLabels, prompb.Label{Name: "__name__", Value: s.name})
		seriesLabels = append(seriesLabels, labels...)

		timeSeries = append(timeSeries, prompb.TimeSeries{
			Labels:  seriesLabels,
			Samples: samples,
		})
	}

	span.SetAttributes(
		attribute.Int("metrics.time_series_count", len(timeSeries)),
		attribute.Int("metrics.results", len(results)),
	)
	span.SetStatus(codes.Ok, "time series built")

	return timeSeries
}

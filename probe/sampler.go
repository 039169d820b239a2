package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DataSlot is the data register requested after a measurement
const DataSlot = 0

// ErrSensorUnavailable is returned when no valid reading was obtained within
// the retry budget of a sample
var ErrSensorUnavailable = errors.New("sensor unavailable")

// Bus is the measurement request/response capability of the sensor bus
type Bus interface {
	// StartMeasurement issues the measurement command and returns the time
	// the sensor announced until data is available
	StartMeasurement(ctx context.Context) (time.Duration, error)
	// ReadData returns the raw response for the given data slot
	ReadData(ctx context.Context, slot int) (string, error)
}

// Settings holds the immutable sampling parameters of the process
type Settings struct {
	NumSamples  int
	BulkDensity float64
	// MaxAttempts bounds bus queries per sample. Zero retries forever.
	MaxAttempts  int
	RetryBackoff time.Duration
}

// DefaultSettings returns the factory sampling parameters
func DefaultSettings() Settings {
	return Settings{
		NumSamples:   5,
		BulkDensity:  0.4,
		MaxAttempts:  10,
		RetryBackoff: 50 * time.Millisecond,
	}
}

// Theta returns the porosity for the configured bulk density
func (s Settings) Theta() float64 {
	return Porosity(s.BulkDensity)
}

// CycleResult is the averaged outcome of one sampling cycle
type CycleResult struct {
	Timestamp        time.Time `json:"timestamp"`
	SoilMoistureMean float64   `json:"soil_moisture_mean"`
	TemperatureMean  float64   `json:"temperature_mean"`
	DielectricMean   float64   `json:"dielectric_mean"`
	BulkECMean       float64   `json:"bulk_ec_mean"`
	SolutionECMean   float64   `json:"solution_ec_mean"`
	Status           Status    `json:"status"`
	Samples          int       `json:"samples"`
	Attempts         int       `json:"attempts"`
}

// accumulator keeps running sums over one cycle
type accumulator struct {
	dielectric   float64
	soilMoisture float64
	temperature  float64
	bulkEC       float64
	solutionEC   float64
}

func (a *accumulator) add(s Sample, d Derived) {
	a.dielectric += s.Dielectric
	a.soilMoisture += d.SoilMoisture
	a.temperature += s.TemperatureC
	a.bulkEC += s.BulkEC
	a.solutionEC += d.SolutionEC
}

// result reduces the sums to means. Soil moisture is divided by n*2000, the
// scaling the report has always carried; the other values are plain means.
func (a *accumulator) result(n int) *CycleResult {
	samples := float64(n)
	moisture := a.soilMoisture / (samples * 2000)

	return &CycleResult{
		SoilMoistureMean: moisture,
		TemperatureMean:  a.temperature / samples,
		DielectricMean:   a.dielectric / samples,
		BulkECMean:       a.bulkEC / samples,
		SolutionECMean:   a.solutionEC / samples,
		Status:           Classify(moisture),
		Samples:          n,
	}
}

// Sampler runs the query, parse, calibrate and average pipeline
type Sampler struct {
	bus      Bus
	settings Settings
	theta    float64
	logger   *zap.Logger
	now      func() time.Time
}

// NewSampler creates a sampler over the given bus
func NewSampler(bus Bus, settings Settings, logger *zap.Logger) *Sampler {
	return &Sampler{
		bus:      bus,
		settings: settings,
		theta:    settings.Theta(),
		logger:   logger,
		now:      time.Now,
	}
}

// Settings returns the sampling parameters in use
func (s *Sampler) Settings() Settings {
	return s.settings
}

// Sample takes NumSamples readings in order and returns their averages
func (s *Sampler) Sample(ctx context.Context) (*CycleResult, error) {
	var acc accumulator
	attempts := 0

	for i := 0; i < s.settings.NumSamples; i++ {
		sample, n, err := s.readSample(ctx)
		attempts += n
		if err != nil {
			return nil, fmt.Errorf("sample %d of %d: %w", i+1, s.settings.NumSamples, err)
		}

		derived := Calibrate(sample.Dielectric, sample.BulkEC, s.theta)
		acc.add(sample, derived)

		s.logger.Debug("probe sample",
			zap.Int("index", i+1),
			zap.Float64("dielectric", sample.Dielectric),
			zap.Float64("temperature_celsius", sample.TemperatureC),
			zap.Float64("bulk_ec", sample.BulkEC),
			zap.Float64("soil_moisture", derived.SoilMoisture),
			zap.Float64("solution_ec", derived.SolutionEC),
		)
	}

	result := acc.result(s.settings.NumSamples)
	result.Timestamp = s.now()
	result.Attempts = attempts
	return result, nil
}

// readSample queries the bus until a parseable response arrives or the
// attempt budget runs out. It returns the number of attempts made.
func (s *Sampler) readSample(ctx context.Context) (Sample, int, error) {
	span := trace.SpanFromContext(ctx)
	var lastErr error

	for attempt := 1; s.settings.MaxAttempts == 0 || attempt <= s.settings.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return Sample{}, attempt - 1, ctx.Err()
			case <-time.After(s.settings.RetryBackoff):
			}
		}

		sample, err := s.attempt(ctx)
		if err == nil {
			return sample, attempt, nil
		}
		if ctx.Err() != nil {
			return Sample{}, attempt, ctx.Err()
		}

		lastErr = err
		span.AddEvent("probe query retry", trace.WithAttributes(
			attribute.Int("probe.attempt", attempt),
			attribute.String("error", err.Error()),
		))
		s.logger.Debug("probe query failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.settings.MaxAttempts),
			zap.Error(err),
		)
	}

	s.logger.Warn("probe retry budget exhausted",
		zap.Int("max_attempts", s.settings.MaxAttempts),
		zap.Error(lastErr),
	)
	return Sample{}, s.settings.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrSensorUnavailable, s.settings.MaxAttempts, lastErr)
}

// attempt performs one measurement and data request
func (s *Sampler) attempt(ctx context.Context) (Sample, error) {
	if _, err := s.bus.StartMeasurement(ctx); err != nil {
		return Sample{}, fmt.Errorf("start measurement: %w", err)
	}

	raw, err := s.bus.ReadData(ctx, DataSlot)
	if err != nil {
		return Sample{}, fmt.Errorf("read data: %w", err)
	}

	// Short responses never reach the parser
	if len(raw) < MinResponseLength {
		return Sample{}, fmt.Errorf("response %q shorter than %d characters", raw, MinResponseLength)
	}

	return ParseResponse(raw)
}

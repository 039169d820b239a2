// Package poller drives the sampling cycle: sample, report, hand the result
// to the sinks, wait, repeat.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/soilprobe/probe"
	"github.com/mjasion/balena-home/soilprobe/telemetry"
)

// State is the position of the loop within a cycle
type State int32

const (
	StateIdle State = iota
	StateSampling
	StateReporting
	StateDelaying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSampling:
		return "sampling"
	case StateReporting:
		return "reporting"
	case StateDelaying:
		return "delaying"
	}
	return "unknown"
}

// Sampler produces one averaged cycle result
type Sampler interface {
	Sample(ctx context.Context) (*probe.CycleResult, error)
}

// Reporter writes the operator facing report lines
type Reporter interface {
	WritePreamble() error
	WriteCycle(r *probe.CycleResult) error
	WriteUnavailable(at time.Time) error
}

// Sink receives every successful cycle result
type Sink interface {
	Record(r *probe.CycleResult)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(r *probe.CycleResult)

func (f SinkFunc) Record(r *probe.CycleResult) { f(r) }

// Config holds the poller collaborators
type Config struct {
	Sampler    Sampler
	Reporter   Reporter
	Sinks      []Sink
	CycleDelay time.Duration
	// Meter and Tracer default to the global providers
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Poller runs sampling cycles until its context is cancelled
type Poller struct {
	sampler  Sampler
	reporter Reporter
	sinks    []Sink
	delay    time.Duration
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time

	cycles       metric.Int64Counter
	failures     metric.Int64Counter
	cycleSeconds metric.Float64Histogram

	state atomic.Int32
	mu    sync.RWMutex
	last  *probe.CycleResult
}

// New creates a poller and registers its instruments
func New(cfg Config, logger *zap.Logger) (*Poller, error) {
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("poller")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("poller")
	}

	cycles, err := meter.Int64Counter("soilprobe.cycles",
		metric.WithDescription("Completed sampling cycles"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cycles counter: %w", err)
	}
	failures, err := meter.Int64Counter("soilprobe.cycle_failures",
		metric.WithDescription("Cycles reported as unavailable"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failures counter: %w", err)
	}
	cycleSeconds, err := meter.Float64Histogram("soilprobe.cycle_duration",
		metric.WithDescription("Time spent sampling one cycle"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cycle duration histogram: %w", err)
	}

	return &Poller{
		sampler:      cfg.Sampler,
		reporter:     cfg.Reporter,
		sinks:        cfg.Sinks,
		delay:        cfg.CycleDelay,
		tracer:       tracer,
		logger:       logger,
		now:          time.Now,
		cycles:       cycles,
		failures:     failures,
		cycleSeconds: cycleSeconds,
	}, nil
}

// State returns the current loop state
func (p *Poller) State() State {
	return State(p.state.Load())
}

// LastResult returns the latest successful cycle, or nil before the first one
func (p *Poller) LastResult() *probe.CycleResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Poller) setState(s State) {
	if prev := State(p.state.Swap(int32(s))); prev != s {
		p.logger.Debug("poller state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Run writes the report preamble and then cycles until ctx is cancelled. A
// cycle that cannot read the probe is reported as unavailable and the loop
// carries on. The returned error is ctx.Err() or a preamble write failure.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.reporter.WritePreamble(); err != nil {
		return fmt.Errorf("failed to write report preamble: %w", err)
	}

	p.logger.Info("sampling loop started", zap.Duration("cycle_delay", p.delay))
	defer p.setState(StateIdle)

	for {
		if err := p.cycle(ctx); err != nil {
			return err
		}

		p.setState(StateDelaying)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay):
		}
		p.setState(StateIdle)
	}
}

// cycle runs one Sampling and Reporting pass. It only returns an error when
// ctx was cancelled.
func (p *Poller) cycle(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "poller.cycle")
	defer span.End()

	p.setState(StateSampling)
	start := p.now()
	result, err := p.sampler.Sample(ctx)
	p.cycleSeconds.Record(ctx, p.now().Sub(start).Seconds())

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		return ctx.Err()
	}

	p.setState(StateReporting)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "probe unavailable")
		p.failures.Add(ctx, 1)

		if !errors.Is(err, probe.ErrSensorUnavailable) {
			telemetry.ErrorWithTrace(ctx, p.logger, "unexpected sampling error", zap.Error(err))
		} else {
			telemetry.WarnWithTrace(ctx, p.logger, "probe unavailable for this cycle", zap.Error(err))
		}
		if werr := p.reporter.WriteUnavailable(p.now()); werr != nil {
			telemetry.ErrorWithTrace(ctx, p.logger, "failed to write report line", zap.Error(werr))
		}
		return nil
	}

	span.SetAttributes(
		attribute.Float64("probe.soil_moisture_mean", result.SoilMoistureMean),
		attribute.Float64("probe.temperature_mean", result.TemperatureMean),
		attribute.String("probe.status", result.Status.String()),
		attribute.Int("probe.attempts", result.Attempts),
	)
	span.SetStatus(codes.Ok, "cycle complete")
	p.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("status", result.Status.String())))

	if err := p.reporter.WriteCycle(result); err != nil {
		telemetry.ErrorWithTrace(ctx, p.logger, "failed to write report line", zap.Error(err))
	}

	p.mu.Lock()
	p.last = result
	p.mu.Unlock()

	for _, sink := range p.sinks {
		sink.Record(result)
	}

	telemetry.InfoWithTrace(ctx, p.logger, "cycle complete",
		zap.Float64("soil_moisture_mean", result.SoilMoistureMean),
		zap.Float64("temperature_mean", result.TemperatureMean),
		zap.Stringer("status", result.Status),
		zap.Int("attempts", result.Attempts),
	)
	return nil
}

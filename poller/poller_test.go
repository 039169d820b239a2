package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/soilprobe/probe"
	"github.com/mjasion/balena-home/soilprobe/report"
)

type step struct {
	result *probe.CycleResult
	err    error
}

// fakeSampler replays steps and cancels the run once they are used up
type fakeSampler struct {
	mu     sync.Mutex
	steps  []step
	calls  int
	cancel context.CancelFunc
	seen   []State
	poller *Poller
}

func (f *fakeSampler) Sample(ctx context.Context) (*probe.CycleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.poller != nil {
		f.seen = append(f.seen, f.poller.State())
	}
	if f.calls >= len(f.steps) {
		f.cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s := f.steps[f.calls]
	f.calls++
	return s.result, s.err
}

func result(moisture float64, status probe.Status) *probe.CycleResult {
	return &probe.CycleResult{
		Timestamp:        time.Now(),
		SoilMoistureMean: moisture,
		TemperatureMean:  20,
		Status:           status,
		Samples:          5,
		Attempts:         5,
	}
}

func newTestPoller(t *testing.T, sampler *fakeSampler, out *bytes.Buffer, sinks ...Sink) (*Poller, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	p, err := New(Config{
		Sampler:    sampler,
		Reporter:   report.NewEmitter(out, report.TimestampPlaceholder),
		Sinks:      sinks,
		CycleDelay: time.Millisecond,
		Meter:      mp.Meter("test"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	sampler.poller = p
	return p, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Failed to collect metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("Expected int64 sum for %s, got %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unavailable := fmt.Errorf("sample 1 of 5: %w", probe.ErrSensorUnavailable)
	sampler := &fakeSampler{
		cancel: cancel,
		steps: []step{
			{result: result(0.00020051, probe.StatusLow)},
			{err: unavailable},
			{result: result(45, probe.StatusGood)},
		},
	}

	var recorded []*probe.CycleResult
	var out bytes.Buffer
	p, reader := newTestPoller(t, sampler, &out, SinkFunc(func(r *probe.CycleResult) {
		recorded = append(recorded, r)
	}))

	err := p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}

	want := strings.Join([]string{
		"CLEARDATA",
		"LABEL, TIME, soilMoistMean, degCMean, status",
		"DATA, TIME, 0.00, 20.0, low",
		"DATA, TIME, , , unavailable",
		"DATA, TIME, 45.00, 20.0, good",
	}, "\r\n") + "\r\n"
	if out.String() != want {
		t.Errorf("Unexpected report output:\n%q\nwant:\n%q", out.String(), want)
	}

	if len(recorded) != 2 {
		t.Fatalf("Expected 2 results at the sink, got %d", len(recorded))
	}
	if last := p.LastResult(); last != recorded[1] {
		t.Errorf("Expected last result to be the latest success, got %+v", last)
	}
	if got := counterValue(t, reader, "soilprobe.cycles"); got != 2 {
		t.Errorf("Expected 2 cycles counted, got %d", got)
	}
	if got := counterValue(t, reader, "soilprobe.cycle_failures"); got != 1 {
		t.Errorf("Expected 1 failure counted, got %d", got)
	}
	if p.State() != StateIdle {
		t.Errorf("Expected idle after run, got %v", p.State())
	}
}

func TestRun_StateDuringSampling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler := &fakeSampler{cancel: cancel, steps: []step{{result: result(50, probe.StatusGood)}}}
	var out bytes.Buffer
	p, _ := newTestPoller(t, sampler, &out)

	_ = p.Run(ctx)

	for i, s := range sampler.seen {
		if s != StateSampling {
			t.Errorf("Expected sampling state at call %d, got %v", i, s)
		}
	}
}

func TestRun_FailedCycleKeepsLastResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := result(50, probe.StatusGood)
	sampler := &fakeSampler{
		cancel: cancel,
		steps:  []step{{result: first}, {err: probe.ErrSensorUnavailable}},
	}
	var out bytes.Buffer
	p, _ := newTestPoller(t, sampler, &out)

	_ = p.Run(ctx)

	if p.LastResult() != first {
		t.Errorf("Expected last successful result to survive a failed cycle")
	}
}

func TestRun_CancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	sampler := &fakeSampler{cancel: func() {}, steps: []step{{result: result(50, probe.StatusGood)}}}
	var out bytes.Buffer
	p, err := New(Config{
		Sampler:    sampler,
		Reporter:   report.NewEmitter(&out, report.TimestampPlaceholder),
		CycleDelay: time.Hour,
		Meter:      sdkmetric.NewMeterProvider().Meter("test"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for p.LastResult() == nil {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for first cycle")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected run to stop while delaying")
	}
}

type failingReporter struct{}

func (failingReporter) WritePreamble() error                { return errors.New("port closed") }
func (failingReporter) WriteCycle(*probe.CycleResult) error { return nil }
func (failingReporter) WriteUnavailable(time.Time) error    { return nil }

func TestRun_PreambleFailure(t *testing.T) {
	p, err := New(Config{
		Sampler:  &fakeSampler{},
		Reporter: failingReporter{},
		Meter:    sdkmetric.NewMeterProvider().Meter("test"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := p.Run(context.Background()); err == nil {
		t.Error("Expected preamble error, got nil")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:      "idle",
		StateSampling:  "sampling",
		StateReporting: "reporting",
		StateDelaying:  "delaying",
		State(42):      "unknown",
	} {
		if s.String() != want {
			t.Errorf("Expected %q, got %q", want, s.String())
		}
	}
}

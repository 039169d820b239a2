package metrics

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/soilprobe/buffer"
	"github.com/mjasion/balena-home/soilprobe/probe"
)

func testResult(ts time.Time, moisture float64, status probe.Status) *probe.CycleResult {
	return &probe.CycleResult{
		Timestamp:        ts,
		SoilMoistureMean: moisture,
		TemperatureMean:  21.5,
		DielectricMean:   25,
		BulkECMean:       1.2,
		SolutionECMean:   0.4,
		Status:           status,
		Samples:          5,
		Attempts:         5,
	}
}

// remoteWriteServer decodes every request and records the series it got
type remoteWriteServer struct {
	mu       sync.Mutex
	requests []*prompb.WriteRequest
	auth     [][2]string
	failures int32
}

func (s *remoteWriteServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&s.failures, -1) >= 0 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		if r.Header.Get("Content-Encoding") != "snappy" {
			t.Errorf("Expected snappy encoding, got %q", r.Header.Get("Content-Encoding"))
		}

		compressed, _ := io.ReadAll(r.Body)
		data, err := snappy.Decode(nil, compressed)
		if err != nil {
			t.Errorf("Failed to decode snappy body: %v", err)
			return
		}
		var req prompb.WriteRequest
		if err := proto.Unmarshal(data, &req); err != nil {
			t.Errorf("Failed to unmarshal write request: %v", err)
			return
		}

		user, pass, _ := r.BasicAuth()
		s.mu.Lock()
		s.requests = append(s.requests, &req)
		s.auth = append(s.auth, [2]string{user, pass})
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func newTestPusher(url string, batchSize int, buf *buffer.RingBuffer[*probe.CycleResult]) *Pusher {
	p := New(Config{
		URL:          url,
		Username:     "user",
		Password:     "secret",
		PushInterval: time.Hour,
		BatchSize:    batchSize,
		Labels:       map[string]string{"probe": "0", "port": "/dev/ttyUSB0"},
	}, buf, zap.NewNop())
	p.backoff = time.Millisecond
	return p
}

func TestFlush_Batches(t *testing.T) {
	srv := &remoteWriteServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	buf := buffer.New[*probe.CycleResult](10, zap.NewNop())
	p := newTestPusher(ts.URL, 2, buf)

	now := time.Now()
	for i := 0; i < 5; i++ {
		p.Record(testResult(now.Add(time.Duration(i)*time.Second), float64(i), probe.StatusLow))
	}

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(srv.requests) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(srv.requests))
	}
	if got := len(srv.requests[2].Timeseries[0].Samples); got != 1 {
		t.Errorf("Expected last batch to hold 1 sample per series, got %d", got)
	}
	if srv.auth[0] != [2]string{"user", "secret"} {
		t.Errorf("Expected basic auth, got %v", srv.auth[0])
	}
	if buf.Size() != 0 {
		t.Errorf("Expected empty buffer, got %d", buf.Size())
	}
	if p.LastPushTime().IsZero() {
		t.Error("Expected last push time to be set")
	}
}

func TestFlush_Empty(t *testing.T) {
	buf := buffer.New[*probe.CycleResult](10, zap.NewNop())
	p := newTestPusher("http://127.0.0.1:0", 2, buf)

	if err := p.Flush(context.Background()); err != nil {
		t.Errorf("Expected no error for empty buffer, got: %v", err)
	}
}

func TestPush_RetriesThenSucceeds(t *testing.T) {
	srv := &remoteWriteServer{failures: 2}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	p := newTestPusher(ts.URL, 10, buffer.New[*probe.CycleResult](10, zap.NewNop()))

	if err := p.Push(context.Background(), []*probe.CycleResult{testResult(time.Now(), 40, probe.StatusGood)}); err != nil {
		t.Fatalf("Expected success on third attempt, got: %v", err)
	}
	if len(srv.requests) != 1 {
		t.Errorf("Expected one accepted request, got %d", len(srv.requests))
	}
}

func TestFlush_FailureRequeues(t *testing.T) {
	srv := &remoteWriteServer{failures: 100}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	buf := buffer.New[*probe.CycleResult](10, zap.NewNop())
	p := newTestPusher(ts.URL, 2, buf)
	for i := 0; i < 3; i++ {
		p.Record(testResult(time.Now(), float64(i), probe.StatusLow))
	}

	if err := p.Flush(context.Background()); err == nil {
		t.Fatal("Expected error, got nil")
	}
	if p.Buffered() != 3 {
		t.Errorf("Expected 3 results requeued, got %d", p.Buffered())
	}
	if !p.LastPushTime().IsZero() {
		t.Error("Expected no successful push")
	}
}

func TestPush_ContextCancelled(t *testing.T) {
	srv := &remoteWriteServer{failures: 100}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	p := newTestPusher(ts.URL, 10, buffer.New[*probe.CycleResult](10, zap.NewNop()))
	p.backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := p.Push(ctx, []*probe.CycleResult{testResult(time.Now(), 1, probe.StatusLow)}); err == nil {
		t.Fatal("Expected error, got nil")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Expected backoff to be interrupted by context")
	}
}

func TestNilPusher(t *testing.T) {
	var p *Pusher
	if !p.LastPushTime().IsZero() || p.Buffered() != 0 {
		t.Error("Expected nil pusher to report zero values")
	}
}

func TestBuildTimeSeries(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	labels := sortedLabels(map[string]string{"probe": "0", "port": "/dev/ttyUSB0"})
	results := []*probe.CycleResult{
		testResult(ts, 12.5, probe.StatusLow),
		testResult(ts.Add(time.Second), 80, probe.StatusHigh),
	}

	series := BuildTimeSeries(context.Background(), results, labels)
	if len(series) != 7 {
		t.Fatalf("Expected 7 series, got %d", len(series))
	}

	byName := map[string]prompb.TimeSeries{}
	for _, s := range series {
		if s.Labels[0].Name != "__name__" {
			t.Fatalf("Expected __name__ first, got %v", s.Labels)
		}
		if s.Labels[1].Name != "port" || s.Labels[2].Name != "probe" {
			t.Errorf("Expected sorted labels, got %v", s.Labels)
		}
		byName[s.Labels[0].Value] = s
	}

	moisture := byName["soilprobe_soil_moisture"]
	if len(moisture.Samples) != 2 || moisture.Samples[0].Value != 12.5 || moisture.Samples[0].Timestamp != ts.UnixMilli() {
		t.Errorf("Unexpected moisture samples: %v", moisture.Samples)
	}

	status := byName["soilprobe_status"]
	if status.Samples[0].Value != 0 || status.Samples[1].Value != 2 {
		t.Errorf("Expected status 0 then 2, got %v", status.Samples)
	}
}

func TestBuildTimeSeries_Empty(t *testing.T) {
	if s := BuildTimeSeries(context.Background(), nil, nil); s != nil {
		t.Errorf("Expected nil, got %v", s)
	}
}

func TestStatusValue_Unknown(t *testing.T) {
	if v := statusValue(&probe.CycleResult{Status: probe.StatusUnavailable}); !math.IsNaN(v) {
		t.Errorf("Expected NaN for unavailable status, got %v", v)
	}
}

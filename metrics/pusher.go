// Package metrics exports cycle results: Prometheus remote_write, InfluxDB
// and an HTTP health endpoint.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/soilprobe/buffer"
	"github.com/mjasion/balena-home/soilprobe/probe"
)

const pushAttempts = 3

// Config contains configuration for the Prometheus pusher
type Config struct {
	URL          string
	Username     string
	Password     string
	PushInterval time.Duration
	BatchSize    int
	// Labels are attached to every series, e.g. probe and port
	Labels map[string]string
}

// Pusher drains the result buffer into a Prometheus remote_write endpoint
type Pusher struct {
	url          string
	username     string
	password     string
	client       *http.Client
	logger       *zap.Logger
	buffer       *buffer.RingBuffer[*probe.CycleResult]
	pushInterval time.Duration
	batchSize    int
	labels       []prompb.Label
	backoff      time.Duration

	mu       sync.Mutex
	lastPush time.Time
}

// New creates a pusher with an OpenTelemetry instrumented HTTP client
func New(cfg Config, buf *buffer.RingBuffer[*probe.CycleResult], logger *zap.Logger) *Pusher {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(string, *http.Request) string {
				return "prometheus.remote_write"
			}),
		),
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = buf.Capacity()
	}

	return &Pusher{
		url:          cfg.URL,
		username:     cfg.Username,
		password:     cfg.Password,
		client:       httpClient,
		logger:       logger,
		buffer:       buf,
		pushInterval: cfg.PushInterval,
		batchSize:    batchSize,
		labels:       sortedLabels(cfg.Labels),
		backoff:      time.Second,
	}
}

func sortedLabels(m map[string]string) []prompb.Label {
	labels := make([]prompb.Label, 0, len(m))
	for k, v := range m {
		labels = append(labels, prompb.Label{Name: k, Value: v})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels
}

// Start pushes buffered results every push interval until ctx is done
func (p *Pusher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pushInterval)
	defer ticker.Stop()

	p.logger.Info("prometheus pusher started",
		zap.Duration("push_interval", p.pushInterval),
		zap.Int("batch_size", p.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("prometheus pusher stopping")
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				p.logger.Error("failed to push results", zap.Error(err))
			}
		}
	}
}

// Flush pushes everything currently buffered in batches. On failure the
// unsent results go back into the buffer.
func (p *Pusher) Flush(ctx context.Context) error {
	results := p.buffer.GetAllAndClear()
	if len(results) == 0 {
		p.logger.Debug("no results to push")
		return nil
	}

	for start := 0; start < len(results); start += p.batchSize {
		end := min(start+p.batchSize, len(results))
		if err := p.Push(ctx, results[start:end]); err != nil {
			p.buffer.Requeue(results[start:])
			return fmt.Errorf("batch at offset %d failed, %d results requeued: %w", start, len(results)-start, err)
		}
	}
	return nil
}

// Push sends one batch of results with retries and exponential backoff
func (p *Pusher) Push(ctx context.Context, results []*probe.CycleResult) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("metrics.results", len(results))),
	)
	defer span.End()

	if len(results) == 0 {
		span.SetStatus(codes.Ok, "no results to push")
		return nil
	}

	writeReq := &prompb.WriteRequest{Timeseries: BuildTimeSeries(ctx, results, p.labels)}

	var lastErr error
	for attempt := 1; attempt <= pushAttempts; attempt++ {
		err := p.pushOnce(ctx, writeReq)
		if err == nil {
			p.mu.Lock()
			p.lastPush = time.Now()
			p.mu.Unlock()

			p.logger.Info("successfully pushed metrics",
				zap.Int("results", len(results)),
				zap.Int("time_series", len(writeReq.Timeseries)),
				zap.Int("attempt", attempt),
			)
			span.SetAttributes(attribute.Int("metrics.successful_attempt", attempt))
			span.SetStatus(codes.Ok, "metrics pushed")
			return nil
		}

		lastErr = err
		p.logger.Warn("failed to push metrics, will retry",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		span.AddEvent("push attempt failed", trace.WithAttributes(
			attribute.Int("metrics.attempt", attempt),
			attribute.String("error", err.Error()),
		))

		if attempt < pushAttempts {
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context cancelled")
				return ctx.Err()
			case <-time.After(p.backoff << (attempt - 1)):
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "push failed")
	return fmt.Errorf("failed to push metrics after %d attempts: %w", pushAttempts, lastErr)
}

func (p *Pusher) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	data, err := proto.Marshal(writeReq)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.username != "" && p.password != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received non-2xx status code: %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Record queues a cycle result for the next push
func (p *Pusher) Record(r *probe.CycleResult) {
	p.buffer.Add(r)
}

// LastPushTime returns the time of the last successful push. A nil pusher
// reports the zero time.
func (p *Pusher) LastPushTime() time.Time {
	if p == nil {
		return time.Time{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPush
}

// Buffered returns the number of results waiting to be pushed
func (p *Pusher) Buffered() int {
	if p == nil {
		return 0
	}
	return p.buffer.Size()
}

// Package heartbeat pings an external monitor on a cron schedule while the
// sampling loop keeps producing fresh results.
package heartbeat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/soilprobe/probe"
)

// ResultSource exposes the latest successful cycle
type ResultSource interface {
	LastResult() *probe.CycleResult
}

// Heartbeat GETs url on schedule when the last cycle is younger than staleAfter
type Heartbeat struct {
	url        string
	schedule   string
	staleAfter time.Duration
	source     ResultSource
	client     *http.Client
	cron       *cron.Cron
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a heartbeat. Call Start to schedule it.
func New(url, schedule string, staleAfter time.Duration, source ResultSource, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		url:        url,
		schedule:   schedule,
		staleAfter: staleAfter,
		source:     source,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cron:   cron.New(),
		logger: logger,
		now:    time.Now,
	}
}

// Start registers the ping job and starts the scheduler
func (h *Heartbeat) Start() error {
	if _, err := h.cron.AddFunc(h.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.client.Timeout)
		defer cancel()
		if _, err := h.Ping(ctx); err != nil {
			h.logger.Warn("heartbeat ping failed", zap.String("url", h.url), zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid heartbeat schedule %q: %w", h.schedule, err)
	}

	h.cron.Start()
	h.logger.Info("heartbeat started", zap.String("schedule", h.schedule))
	return nil
}

// Stop stops the scheduler and waits for a running ping to finish
func (h *Heartbeat) Stop() {
	<-h.cron.Stop().Done()
}

// Ping sends one heartbeat if the last cycle is fresh. It reports whether a
// request was sent.
func (h *Heartbeat) Ping(ctx context.Context) (bool, error) {
	r := h.source.LastResult()
	if r == nil || h.now().Sub(r.Timestamp) > h.staleAfter {
		h.logger.Debug("skipping heartbeat, no fresh cycle")
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("failed to send heartbeat: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return true, fmt.Errorf("heartbeat returned status %s", resp.Status)
	}

	h.logger.Debug("heartbeat sent", zap.String("url", h.url), zap.String("status", resp.Status))
	return true, nil
}

package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/mjasion/balena-home/soilprobe/probe"
)

// ResultSource exposes the latest successful cycle
type ResultSource interface {
	LastResult() *probe.CycleResult
}

// HealthStatus is the body of GET /health
type HealthStatus struct {
	Status          string    `json:"status"`
	LastCycleTime   time.Time `json:"lastCycleTime"`
	LastPushTime    time.Time `json:"lastPushTime"`
	BufferedResults int       `json:"bufferedResults"`
}

// HealthChecker serves /health and /status
type HealthChecker struct {
	source     ResultSource
	pusher     *Pusher
	staleAfter time.Duration
	started    time.Time
	now        func() time.Time
	server     *http.Server
	logger     *zap.Logger
}

// NewHealthChecker creates the health server. pusher may be nil when
// Prometheus export is disabled.
func NewHealthChecker(source ResultSource, pusher *Pusher, staleAfter time.Duration, port int, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		source:     source,
		pusher:     pusher,
		staleAfter: staleAfter,
		started:    time.Now(),
		now:        time.Now,
		logger:     logger,
	}

	hc.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      hc.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return hc
}

// Handler returns the routed handler with access logging and panic recovery
func (hc *HealthChecker) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", hc.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", hc.handleStatus).Methods(http.MethodGet)

	accessLog := &zapio.Writer{Log: hc.logger.Named("http"), Level: zapcore.DebugLevel}
	return handlers.RecoveryHandler()(handlers.LoggingHandler(accessLog, r))
}

// Start serves until Stop is called
func (hc *HealthChecker) Start() error {
	hc.logger.Info("starting health check server", zap.String("addr", hc.server.Addr))
	if err := hc.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health check server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully
func (hc *HealthChecker) Stop(ctx context.Context) error {
	return hc.server.Shutdown(ctx)
}

// Healthy reports whether a cycle completed within the stale window. Before
// the first cycle the window is counted from startup.
func (hc *HealthChecker) Healthy() bool {
	last := hc.started
	if r := hc.source.LastResult(); r != nil {
		last = r.Timestamp
	}
	return hc.now().Sub(last) <= hc.staleAfter
}

func (hc *HealthChecker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := HealthStatus{
		Status:          "healthy",
		LastPushTime:    hc.pusher.LastPushTime(),
		BufferedResults: hc.pusher.Buffered(),
	}
	if r := hc.source.LastResult(); r != nil {
		status.LastCycleTime = r.Timestamp
	}

	code := http.StatusOK
	if !hc.Healthy() {
		status.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, status)
}

func (hc *HealthChecker) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r := hc.source.LastResult()
	if r == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cycle completed yet"})
		return
	}

	body, err := json.Marshal(r)
	if err != nil {
		// NaN means are not representable in JSON
		hc.logger.Warn("failed to encode cycle result", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

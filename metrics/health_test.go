package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/soilprobe/probe"
)

type staticSource struct {
	result *probe.CycleResult
}

func (s *staticSource) LastResult() *probe.CycleResult { return s.result }

func newTestHealthChecker(src ResultSource, now time.Time) *HealthChecker {
	hc := NewHealthChecker(src, nil, time.Minute, 0, zap.NewNop())
	hc.started = now.Add(-10 * time.Second)
	hc.now = func() time.Time { return now }
	return hc
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		result  *probe.CycleResult
		started time.Time
		code    int
		status  string
	}{
		{"fresh cycle", &probe.CycleResult{Timestamp: now.Add(-30 * time.Second)}, now.Add(-time.Hour), http.StatusOK, "healthy"},
		{"stale cycle", &probe.CycleResult{Timestamp: now.Add(-2 * time.Minute)}, now.Add(-time.Hour), http.StatusServiceUnavailable, "unhealthy"},
		{"starting up", nil, now.Add(-10 * time.Second), http.StatusOK, "healthy"},
		{"never cycled", nil, now.Add(-5 * time.Minute), http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := newTestHealthChecker(&staticSource{result: tt.result}, now)
			hc.started = tt.started

			rec := get(t, hc.Handler(), "/health")
			if rec.Code != tt.code {
				t.Errorf("Expected %d, got %d", tt.code, rec.Code)
			}

			var body HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if body.Status != tt.status {
				t.Errorf("Expected status %q, got %q", tt.status, body.Status)
			}
			if rec.Header().Get("Content-Type") != "application/json" {
				t.Errorf("Expected JSON content type, got %q", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestStatus(t *testing.T) {
	now := time.Now()
	result := &probe.CycleResult{Timestamp: now, SoilMoistureMean: 42.5, TemperatureMean: 19, Status: probe.StatusGood, Samples: 5}
	hc := newTestHealthChecker(&staticSource{result: result}, now)

	rec := get(t, hc.Handler(), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["soil_moisture_mean"] != 42.5 {
		t.Errorf("Expected soil moisture 42.5, got %v", body["soil_moisture_mean"])
	}
	if body["status"] != "good" {
		t.Errorf("Expected status good, got %v", body["status"])
	}
}

func TestStatus_NoCycle(t *testing.T) {
	hc := newTestHealthChecker(&staticSource{}, time.Now())

	if rec := get(t, hc.Handler(), "/status"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestStatus_NaN(t *testing.T) {
	result := &probe.CycleResult{Timestamp: time.Now(), SoilMoistureMean: math.NaN(), Status: probe.StatusHigh}
	hc := newTestHealthChecker(&staticSource{result: result}, time.Now())

	if rec := get(t, hc.Handler(), "/status"); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 for NaN mean, got %d", rec.Code)
	}
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	hc := newTestHealthChecker(&staticSource{}, time.Now())

	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

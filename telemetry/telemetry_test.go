package telemetry

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mjasion/balena-home/soilprobe/config"
)

func TestInitProviders_Disabled(t *testing.T) {
	p, err := InitProviders(context.Background(), &config.OpenTelemetryConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if p != nil {
		t.Errorf("Expected nil providers when disabled, got %+v", p)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected nil shutdown to succeed, got: %v", err)
	}
}

func TestInsecureEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"localhost:4318", true},
		{"127.0.0.1:4318", true},
		{"otlp-gateway.grafana.net", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := insecureEndpoint(tt.endpoint); got != tt.want {
			t.Errorf("insecureEndpoint(%q) = %v, want %v", tt.endpoint, got, tt.want)
		}
	}
}

func TestLogWithTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "cycle")
	InfoWithTrace(ctx, logger, "with span", zap.Int("samples", 5))
	span.End()

	InfoWithTrace(context.Background(), logger, "without span")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}

	fields := entries[0].ContextMap()
	if fields["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("Expected trace_id of span, got %v", fields["trace_id"])
	}
	if fields["samples"] != int64(5) {
		t.Errorf("Expected caller fields kept, got %v", fields["samples"])
	}
	if _, ok := entries[1].ContextMap()["trace_id"]; ok {
		t.Error("Expected no trace_id without a span")
	}
}

func TestLogWithTrace_LevelFiltered(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	DebugWithTrace(context.Background(), zap.New(core), "hidden")

	if logs.Len() != 0 {
		t.Errorf("Expected debug entry to be filtered, got %d entries", logs.Len())
	}
}

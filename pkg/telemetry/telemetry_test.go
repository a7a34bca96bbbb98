package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupManager(t *testing.T) (*Manager, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	mgr, err := NewManager(Config{
		ServiceName:    "turnflow-test",
		ServiceVersion: "0.0.1",
		Environment:    "test",
		TracerProvider: tp,
		MeterProvider:  mp,
		Filter: FilterConfig{
			Mask:     "***REDACTED***",
			Patterns: []string{`session-id\s*[=:]\s*\d+`},
		},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	SetDefault(mgr)
	t.Cleanup(func() {
		SetDefault(nil)
		_ = mgr.Shutdown(context.Background())
	})
	return mgr, reader, exporter
}

func collectMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %q not found", name)
	return metricdata.Metrics{}
}

func TestMaskingFilter(t *testing.T) {
	mgr, _, _ := setupManager(t)
	masked := mgr.MaskText("call with sk-secret-001 on session-id=4242")
	if strings.Contains(masked, "sk-secret") || strings.Contains(masked, "4242") {
		t.Fatalf("sensitive text leaked: %q", masked)
	}
	attrs := mgr.SanitizeAttributes(
		attribute.String("request.input", "token sk-secret-002"),
		attribute.StringSlice("notes", []string{"session-id: 7777"}),
		attribute.Int("step", 3),
	)
	if strings.Contains(attrs[0].Value.AsString(), "sk-secret") {
		t.Fatalf("string attribute not masked: %+v", attrs[0])
	}
	for _, v := range attrs[1].Value.AsStringSlice() {
		if strings.Contains(v, "7777") {
			t.Fatalf("string slice entry not masked: %q", v)
		}
	}
	if attrs[2].Value.AsInt64() != 3 {
		t.Fatalf("non-string attribute altered: %+v", attrs[2])
	}
}

func TestSpanRecordsError(t *testing.T) {
	_, _, exporter := setupManager(t)
	_, span := StartSpan(context.Background(), "turn.attempt")
	EndSpan(span, errors.New("upstream timeout"))
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("expected error status, got %v", spans[0].Status)
	}
}

func TestRecordTurnMetrics(t *testing.T) {
	mgr, reader, _ := setupManager(t)
	mgr.RecordTurn(context.Background(), TurnData{
		Backend:      "primary",
		Category:     "bug-fix",
		State:        "completed",
		Steps:        2,
		InputTokens:  120,
		OutputTokens: 40,
		Duration:     80 * time.Millisecond,
	})
	m := collectMetric(t, reader, "turn.requests.total")
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("unexpected turn counter: %#v", m.Data)
	}
	tok := collectMetric(t, reader, "turn.tokens.total")
	tokSum, ok := tok.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected token metric type: %#v", tok.Data)
	}
	var total int64
	for _, dp := range tokSum.DataPoints {
		total += dp.Value
	}
	if total != 160 {
		t.Fatalf("expected 160 tokens recorded, got %d", total)
	}
}

func TestRecordToolCallMetrics(t *testing.T) {
	mgr, reader, _ := setupManager(t)
	mgr.RecordToolCall(context.Background(), ToolData{Name: "shell", Kind: "exec", Error: errors.New("exit 1")})
	mgr.RecordToolCall(context.Background(), ToolData{Name: "shell", Kind: "exec"})
	m := collectMetric(t, reader, "turn.tool.calls.total")
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 2 {
		t.Fatalf("unexpected tool counter: %#v", m.Data)
	}
}

func TestNilManagerIsSafe(t *testing.T) {
	SetDefault(nil)
	if got := MaskText("plain"); got != "plain" {
		t.Fatalf("nil manager altered text: %q", got)
	}
	_, span := StartSpan(context.Background(), "noop")
	EndSpan(span, nil)
}

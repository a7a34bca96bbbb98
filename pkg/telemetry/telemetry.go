// Package telemetry wires OpenTelemetry tracing and metrics for the turn
// runtime, with a masking filter applied before any value leaves the
// process.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/cexll/turnflow"

// Config describes how a Manager connects to the telemetry backend.
// Providers may be injected directly, which takes precedence over the
// OTLP endpoint; tests rely on this to install in-memory exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is an OTLP/HTTP collector address such as
	// "localhost:4318". Empty disables the exporter.
	Endpoint string
	Insecure bool

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	Filter FilterConfig
}

// Manager owns the tracer, the metric instruments, and the masking
// filter. A nil Manager is safe to call and does nothing.
type Manager struct {
	tracer   trace.Tracer
	filter   *Filter
	shutdown func(context.Context) error

	turns        metric.Int64Counter
	turnDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	tokens       metric.Int64Counter
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	filter, err := NewFilter(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("telemetry filter: %w", err)
	}
	m := &Manager{filter: filter, shutdown: func(context.Context) error { return nil }}

	tp := cfg.TracerProvider
	if tp == nil && cfg.Endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		))
		if err != nil {
			return nil, fmt.Errorf("otel resource: %w", err)
		}
		sdkProvider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		m.shutdown = sdkProvider.Shutdown
		tp = sdkProvider
	}
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	m.tracer = tp.Tracer(instrumentationName)

	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	if m.turns, err = meter.Int64Counter("turn.requests.total",
		metric.WithDescription("Completed, failed, and cancelled turns")); err != nil {
		return nil, err
	}
	if m.turnDuration, err = meter.Float64Histogram("turn.request.duration",
		metric.WithDescription("Turn wall-clock duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter("turn.tool.calls.total",
		metric.WithDescription("Dispatched tool invocations")); err != nil {
		return nil, err
	}
	if m.tokens, err = meter.Int64Counter("turn.tokens.total",
		metric.WithDescription("Prompt and completion tokens consumed")); err != nil {
		return nil, err
	}
	return m, nil
}

// Shutdown flushes and stops any provider the Manager created itself.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.shutdown(ctx)
}

// StartSpan opens a span on the Manager's tracer.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName).Start(ctx, name, opts...)
	}
	return m.tracer.Start(ctx, name, opts...)
}

// MaskText applies the sensitive-data filter to free text.
func (m *Manager) MaskText(text string) string {
	if m == nil {
		return text
	}
	return m.filter.MaskText(text)
}

// SanitizeAttributes masks string attribute values before they are
// attached to a span or a metric data point.
func (m *Manager) SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	if m == nil {
		return attrs
	}
	return m.filter.SanitizeAttributes(attrs...)
}

// TurnData summarizes one finished turn for metric recording.
type TurnData struct {
	Backend      string
	Category     string
	State        string
	Steps        int
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
	Error        error
}

// RecordTurn publishes the per-turn counters and the duration histogram.
func (m *Manager) RecordTurn(ctx context.Context, data TurnData) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend.id", data.Backend),
		attribute.String("task.category", data.Category),
		attribute.String("turn.state", data.State),
		attribute.Bool("error", data.Error != nil),
	)
	m.turns.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, data.Duration.Seconds(), attrs)
	if data.InputTokens > 0 {
		m.tokens.Add(ctx, data.InputTokens, metric.WithAttributes(
			attribute.String("backend.id", data.Backend),
			attribute.String("token.kind", "input")))
	}
	if data.OutputTokens > 0 {
		m.tokens.Add(ctx, data.OutputTokens, metric.WithAttributes(
			attribute.String("backend.id", data.Backend),
			attribute.String("token.kind", "output")))
	}
}

// ToolData summarizes one tool invocation.
type ToolData struct {
	Name     string
	Kind     string
	Duration time.Duration
	Error    error
}

// RecordToolCall increments the tool counter.
func (m *Manager) RecordToolCall(ctx context.Context, data ToolData) {
	if m == nil {
		return
	}
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool.name", data.Name),
		attribute.String("tool.kind", data.Kind),
		attribute.Bool("error", data.Error != nil),
	))
}

var (
	defaultMu  sync.RWMutex
	defaultMgr *Manager
)

// SetDefault installs mgr as the process-wide Manager used by the
// package-level helpers. Pass nil to clear it.
func SetDefault(mgr *Manager) {
	defaultMu.Lock()
	defaultMgr = mgr
	defaultMu.Unlock()
}

// Default returns the installed Manager, which may be nil.
func Default() *Manager {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultMgr
}

// StartSpan opens a span on the default Manager's tracer. Without an
// installed Manager the span is a no-op.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Default().StartSpan(ctx, name, opts...)
}

// EndSpan records err on span and ends it. Safe with no-op spans.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// MaskText applies the default Manager's filter.
func MaskText(text string) string {
	return Default().MaskText(text)
}

// SanitizeAttributes applies the default Manager's filter.
func SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	return Default().SanitizeAttributes(attrs...)
}

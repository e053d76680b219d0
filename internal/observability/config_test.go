package observability

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "text", config.Logging.Format)
	assert.True(t, config.Metrics.Enabled)
	assert.Zero(t, config.Metrics.PrometheusPort)
	assert.False(t, config.Tracing.Enabled)
	assert.Equal(t, "otlp", config.Tracing.Exporter)
	assert.Equal(t, 1.0, config.Tracing.SampleRate)
}

func TestNewBuildsDisabledTracerAndMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = &bytes.Buffer{}

	obs, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, obs.Logger)
	require.NotNil(t, obs.Metrics)
	require.NotNil(t, obs.Tracer)
	assert.NoError(t, obs.Shutdown(context.Background()))
}

func TestNewRejectsUnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = &bytes.Buffer{}
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "carrier-pigeon"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter")
}

func TestMetricsHandlerExposesRecordedSeries(t *testing.T) {
	m, err := NewMetricsCollector(MetricsConfig{Enabled: true})
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	ctx := context.Background()
	m.RecordToolExecution(ctx, "calc", "ok", 5*time.Millisecond)
	m.RunStarted(ctx, "react")
	m.RunFinished(ctx, "react", "done", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "runcore_tool_executions_total"), body)
	assert.True(t, strings.Contains(body, "runcore_runs_total"), body)
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	var nilCollector *MetricsCollector
	assert.NotPanics(t, func() {
		nilCollector.RecordToolExecution(context.Background(), "calc", "ok", time.Millisecond)
		nilCollector.RunStarted(context.Background(), "demo")
		nilCollector.RecordEventPublished(context.Background(), "demo_tick")
	})

	disabled, err := NewMetricsCollector(MetricsConfig{})
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		disabled.RecordLLMRequest(context.Background(), "gpt", "ok", time.Millisecond)
	})
}

func TestTraceFieldsFromRecordingSpan(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	traceID, spanID, ok := TraceFields(ctx)
	require.True(t, ok)
	assert.Len(t, traceID, 32)
	assert.Len(t, spanID, 16)

	_, _, ok = TraceFields(context.Background())
	assert.False(t, ok)
}

func TestLoggerWithContextAddsSessionAndRun(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := ContextWithRunID(ContextWithSessionID(context.Background(), "s-1"), "run-1")
	logger.WithContext(ctx).Info("hello")

	out := buf.String()
	assert.Contains(t, out, `"session_id":"s-1"`)
	assert.Contains(t, out, `"run_id":"run-1"`)
}

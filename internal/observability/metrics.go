package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all runtime metrics.
//
// A zero or disabled collector is valid: every Record* method is a no-op.
type MetricsCollector struct {
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry

	// LLM metrics
	llmRequests metric.Int64Counter
	llmLatency  metric.Float64Histogram

	// Tool metrics
	toolExecutions metric.Int64Counter
	toolDuration   metric.Float64Histogram

	// Run metrics
	runsActive      metric.Int64UpDownCounter
	runOutcomes     metric.Int64Counter
	runDuration     metric.Float64Histogram
	eventsPublished metric.Int64Counter
	busBacklog      metric.Int64Counter

	// Transport metrics
	httpRequests  metric.Int64Counter
	httpLatency   metric.Float64Histogram
	streamClients metric.Int64UpDownCounter

	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port" yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector backed by its own
// Prometheus registry so several collectors can coexist in one process.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("runcore")

	m := &MetricsCollector{provider: provider, registry: registry}
	var errs []error
	m.llmRequests, err = meter.Int64Counter("runcore.llm.requests.total",
		metric.WithDescription("Total number of model requests"), metric.WithUnit("{request}"))
	errs = append(errs, err)
	m.llmLatency, err = meter.Float64Histogram("runcore.llm.latency",
		metric.WithDescription("Model request latency in seconds"), metric.WithUnit("s"))
	errs = append(errs, err)
	m.toolExecutions, err = meter.Int64Counter("runcore.tool.executions.total",
		metric.WithDescription("Total number of tool attempts"), metric.WithUnit("{execution}"))
	errs = append(errs, err)
	m.toolDuration, err = meter.Float64Histogram("runcore.tool.duration",
		metric.WithDescription("Tool attempt duration in seconds"), metric.WithUnit("s"))
	errs = append(errs, err)
	m.runsActive, err = meter.Int64UpDownCounter("runcore.runs.active",
		metric.WithDescription("Number of running session jobs"), metric.WithUnit("{run}"))
	errs = append(errs, err)
	m.runOutcomes, err = meter.Int64Counter("runcore.runs.total",
		metric.WithDescription("Finished runs by terminal status"), metric.WithUnit("{run}"))
	errs = append(errs, err)
	m.runDuration, err = meter.Float64Histogram("runcore.runs.duration",
		metric.WithDescription("Run duration in seconds"), metric.WithUnit("s"))
	errs = append(errs, err)
	m.eventsPublished, err = meter.Int64Counter("runcore.events.published.total",
		metric.WithDescription("Events published on the session bus"), metric.WithUnit("{event}"))
	errs = append(errs, err)
	m.busBacklog, err = meter.Int64Counter("runcore.events.backlog_warnings.total",
		metric.WithDescription("Publishes that found a subscriber queue above its soft capacity"), metric.WithUnit("{event}"))
	errs = append(errs, err)
	m.httpRequests, err = meter.Int64Counter("runcore.http.requests.total",
		metric.WithDescription("HTTP requests by route and status"), metric.WithUnit("{request}"))
	errs = append(errs, err)
	m.httpLatency, err = meter.Float64Histogram("runcore.http.latency",
		metric.WithDescription("HTTP request latency in seconds"), metric.WithUnit("s"))
	errs = append(errs, err)
	m.streamClients, err = meter.Int64UpDownCounter("runcore.stream.clients",
		metric.WithDescription("Connected event stream clients"), metric.WithUnit("{client}"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	if config.PrometheusPort > 0 {
		m.StartPrometheusServer(config.PrometheusPort)
	}
	return m, nil
}

// Handler exposes the collector registry in Prometheus text format.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartPrometheusServer serves /metrics on a dedicated port.
func (m *MetricsCollector) StartPrometheusServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	m.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger := Default()
		logger.Info("prometheus metrics server listening", "port", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("prometheus server error", "error", err)
		}
	}()
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	if m.prometheusServer != nil {
		errs = append(errs, m.prometheusServer.Shutdown(ctx))
	}
	if m.provider != nil {
		errs = append(errs, m.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// RecordLLMRequest records a model request
func (m *MetricsCollector) RecordLLMRequest(ctx context.Context, model string, status string, latency time.Duration) {
	if m == nil || m.llmRequests == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model), attribute.String("status", status))
	m.llmRequests.Add(ctx, 1, attrs)
	m.llmLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordToolExecution records one tool attempt
func (m *MetricsCollector) RecordToolExecution(ctx context.Context, toolName string, status string, duration time.Duration) {
	if m == nil || m.toolExecutions == nil {
		return
	}
	m.toolExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool_name", toolName),
		attribute.String("status", status),
	))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool_name", toolName)))
}

// RunStarted increments the active runs gauge.
func (m *MetricsCollector) RunStarted(ctx context.Context, kind string) {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RunFinished decrements the active runs gauge and records the outcome.
func (m *MetricsCollector) RunFinished(ctx context.Context, kind, status string, duration time.Duration) {
	if m == nil || m.runsActive == nil {
		return
	}
	kindAttr := attribute.String("kind", kind)
	m.runsActive.Add(ctx, -1, metric.WithAttributes(kindAttr))
	m.runOutcomes.Add(ctx, 1, metric.WithAttributes(kindAttr, attribute.String("status", status)))
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(kindAttr))
}

// RecordEventPublished counts a bus publish.
func (m *MetricsCollector) RecordEventPublished(ctx context.Context, eventType string) {
	if m == nil || m.eventsPublished == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordBacklogWarning counts a publish that found a queue over its soft capacity.
func (m *MetricsCollector) RecordBacklogWarning(ctx context.Context) {
	if m == nil || m.busBacklog == nil {
		return
	}
	m.busBacklog.Add(ctx, 1)
}

// RecordHTTPRequest records one served request. route is the matched
// pattern, not the raw path.
func (m *MetricsCollector) RecordHTTPRequest(ctx context.Context, method, route string, status int, latency time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpLatency.Record(ctx, latency.Seconds(), attrs)
}

// StreamOpened increments the connected stream clients gauge.
func (m *MetricsCollector) StreamOpened(ctx context.Context, transport string) {
	if m == nil || m.streamClients == nil {
		return
	}
	m.streamClients.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// StreamClosed decrements the connected stream clients gauge.
func (m *MetricsCollector) StreamClosed(ctx context.Context, transport string) {
	if m == nil || m.streamClients == nil {
		return
	}
	m.streamClients.Add(ctx, -1, metric.WithAttributes(attribute.String("transport", transport)))
}

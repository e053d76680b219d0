package observability

import (
	"context"
	"errors"
	"fmt"
)

// Config represents the complete observability configuration
type Config struct {
	Logging LogConfig     `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// DefaultConfig returns the default observability configuration
func DefaultConfig() Config {
	return Config{
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "runcore",
			ServiceVersion: "dev",
		},
	}
}

// Observability bundles the logger, metrics and tracer built from one Config.
type Observability struct {
	Logger  *Logger
	Metrics *MetricsCollector
	Tracer  *TracerProvider
}

// New builds every observability component and installs the logger as the
// process default.
func New(cfg Config) (*Observability, error) {
	logger := NewLogger(cfg.Logging)
	SetDefault(logger)

	metrics, err := NewMetricsCollector(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	tracer, err := NewTracerProvider(cfg.Tracing)
	if err != nil {
		_ = metrics.Shutdown(context.Background())
		return nil, fmt.Errorf("tracing: %w", err)
	}
	return &Observability{Logger: logger, Metrics: metrics, Tracer: tracer}, nil
}

// Shutdown flushes metrics and traces.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return errors.Join(o.Metrics.Shutdown(ctx), o.Tracer.Shutdown(ctx))
}

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// envBinding maps one RUNCORE_<Name> variable onto a config key.
type envBinding struct {
	Key   string
	Name  string
	apply func(cfg *RuntimeConfig, raw string) error
}

// Env returns the full variable name, e.g. RUNCORE_LLM_MODEL.
func (b envBinding) Env() string { return EnvPrefix + "_" + b.Name }

var envBindings = []envBinding{
	stringVar("server.host", "HOST", func(c *RuntimeConfig) *string { return &c.Server.Host }),
	intVar("server.port", "PORT", func(c *RuntimeConfig) *int { return &c.Server.Port }),
	listVar("server.allowed_origins", "ALLOWED_ORIGINS", func(c *RuntimeConfig) *[]string { return &c.Server.AllowedOrigins }),
	durationVar("server.shutdown_timeout", "SHUTDOWN_TIMEOUT", func(c *RuntimeConfig) *time.Duration { return &c.Server.ShutdownTimeout }),

	stringVar("llm.provider", "LLM_PROVIDER", func(c *RuntimeConfig) *string { return &c.LLM.Provider }),
	stringVar("llm.model", "LLM_MODEL", func(c *RuntimeConfig) *string { return &c.LLM.Model }),
	stringVar("llm.api_key", "LLM_API_KEY", func(c *RuntimeConfig) *string { return &c.LLM.APIKey }),
	stringVar("llm.base_url", "LLM_BASE_URL", func(c *RuntimeConfig) *string { return &c.LLM.BaseURL }),
	intVar("llm.max_tokens", "LLM_MAX_TOKENS", func(c *RuntimeConfig) *int { return &c.LLM.MaxTokens }),
	durationVar("llm.timeout", "LLM_TIMEOUT", func(c *RuntimeConfig) *time.Duration { return &c.LLM.Timeout }),
	intVar("llm.max_retries", "LLM_MAX_RETRIES", func(c *RuntimeConfig) *int { return &c.LLM.MaxRetries }),
	floatVar("llm.rate_limit", "LLM_RATE_LIMIT", func(c *RuntimeConfig) *float64 { return &c.LLM.RateLimit }),
	durationVar("llm.mock_delay", "LLM_MOCK_DELAY", func(c *RuntimeConfig) *time.Duration { return &c.LLM.MockDelay }),

	intVar("react.max_steps", "REACT_MAX_STEPS", func(c *RuntimeConfig) *int { return &c.React.MaxSteps }),
	boolVar("react.lenient_json", "REACT_LENIENT_JSON", func(c *RuntimeConfig) *bool { return &c.React.LenientJSON }),
	intVar("tools.workers", "TOOL_WORKERS", func(c *RuntimeConfig) *int { return &c.Tools.Workers }),
	intVar("bus.max_pending", "BUS_MAX_PENDING", func(c *RuntimeConfig) *int { return &c.Bus.MaxPending }),
	intVar("tasks.retention", "TASK_RETENTION", func(c *RuntimeConfig) *int { return &c.Tasks.Retention }),

	stringVar("observability.logging.level", "LOG_LEVEL", func(c *RuntimeConfig) *string { return &c.Observability.Logging.Level }),
	stringVar("observability.logging.format", "LOG_FORMAT", func(c *RuntimeConfig) *string { return &c.Observability.Logging.Format }),
	boolVar("observability.metrics.enabled", "METRICS_ENABLED", func(c *RuntimeConfig) *bool { return &c.Observability.Metrics.Enabled }),
	boolVar("observability.tracing.enabled", "TRACING_ENABLED", func(c *RuntimeConfig) *bool { return &c.Observability.Tracing.Enabled }),
	stringVar("observability.tracing.exporter", "TRACING_EXPORTER", func(c *RuntimeConfig) *string { return &c.Observability.Tracing.Exporter }),
	stringVar("observability.tracing.otlp_endpoint", "OTLP_ENDPOINT", func(c *RuntimeConfig) *string { return &c.Observability.Tracing.OTLPEndpoint }),
	stringVar("observability.tracing.zipkin_endpoint", "ZIPKIN_ENDPOINT", func(c *RuntimeConfig) *string { return &c.Observability.Tracing.ZipkinEndpoint }),
	stringVar("observability.tracing.file_path", "TRACE_FILE", func(c *RuntimeConfig) *string { return &c.Observability.Tracing.FilePath }),
}

// EnvVars lists every environment variable the loader understands, keyed by
// variable name with the config key as value.
func EnvVars() map[string]string {
	out := make(map[string]string, len(envBindings))
	for _, b := range envBindings {
		out[b.Env()] = b.Key
	}
	return out
}

func applyEnv(cfg *RuntimeConfig, meta *Metadata, lookup EnvLookup) error {
	if lookup == nil {
		return nil
	}
	for _, b := range envBindings {
		raw, ok := lookup(b.Env())
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := b.apply(cfg, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s: %w", b.Env(), err)
		}
		meta.sources[b.Key] = SourceEnv
	}
	return nil
}

func stringVar(key, name string, field func(*RuntimeConfig) *string) envBinding {
	return envBinding{Key: key, Name: name, apply: func(c *RuntimeConfig, raw string) error {
		*field(c) = raw
		return nil
	}}
}

func intVar(key, name string, field func(*RuntimeConfig) *int) envBinding {
	return envBinding{Key: key, Name: name, apply: func(c *RuntimeConfig, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*field(c) = v
		return nil
	}}
}

func floatVar(key, name string, field func(*RuntimeConfig) *float64) envBinding {
	return envBinding{Key: key, Name: name, apply: func(c *RuntimeConfig, raw string) error {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		*field(c) = v
		return nil
	}}
}

func boolVar(key, name string, field func(*RuntimeConfig) *bool) envBinding {
	return envBinding{Key: key, Name: name, apply: func(c *RuntimeConfig, raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		*field(c) = v
		return nil
	}}
}

func durationVar(key, name string, field func(*RuntimeConfig) *time.Duration) envBinding {
	return envBinding{Key: key, Name: name, apply: func(c *RuntimeConfig, raw string) error {
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		*field(c) = v
		return nil
	}}
}

func listVar(key, name string, field func(*RuntimeConfig) *[]string) envBinding {
	return envBinding{Key: key, Name: name, apply: func(c *RuntimeConfig, raw string) error {
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*field(c) = items
		return nil
	}}
}

package config

import (
	"errors"
	"fmt"

	errs "runcore/internal/errors"
)

// Validate reports every invalid setting at once.
func (c RuntimeConfig) Validate() error {
	var problems []error
	check := func(ok bool, field, reason string) {
		if !ok {
			problems = append(problems, errs.NewValidationError(field, reason))
		}
	}

	check(c.Server.Port >= 0 && c.Server.Port <= 65535, "server.port", fmt.Sprintf("must be within 0-65535, got %d", c.Server.Port))
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout", "must be positive")
	check(c.Server.Heartbeat > 0, "server.heartbeat", "must be positive")

	if err := c.LLM.Validate(); err != nil {
		problems = append(problems, err)
	}
	check(c.LLM.MaxRetries >= 0, "llm.max_retries", "must be >= 0")
	check(c.LLM.RateLimit >= 0, "llm.rate_limit", "must be >= 0")

	check(c.React.MaxSteps >= 1, "react.max_steps", "must be >= 1")
	check(c.Tools.Workers >= 1, "tools.workers", "must be >= 1")
	for name, timeout := range c.Tools.Timeouts {
		check(timeout > 0, "tools.timeouts."+name, "must be positive")
	}
	check(c.Bus.MaxPending >= 0, "bus.max_pending", "must be >= 0")
	check(c.Tasks.Retention >= 1, "tasks.retention", "must be >= 1")
	check(c.Demo.Ticks >= 1, "demo.ticks", "must be >= 1")
	check(c.Demo.Interval > 0, "demo.interval", "must be positive")

	switch c.Observability.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		check(false, "observability.logging.level", fmt.Sprintf("unknown level %q", c.Observability.Logging.Level))
	}
	switch c.Observability.Logging.Format {
	case "text", "json":
	default:
		check(false, "observability.logging.format", fmt.Sprintf("unknown format %q", c.Observability.Logging.Format))
	}
	if tracing := c.Observability.Tracing; tracing.Enabled {
		switch tracing.Exporter {
		case "otlp", "zipkin", "file":
		default:
			check(false, "observability.tracing.exporter", fmt.Sprintf("unknown exporter %q", tracing.Exporter))
		}
		check(tracing.SampleRate >= 0 && tracing.SampleRate <= 1, "observability.tracing.sample_rate", "must be within 0-1")
	}

	return errors.Join(problems...)
}

package llm

import (
	"strings"

	errs "runcore/internal/errors"
	"runcore/internal/logging"
	"runcore/internal/observability"
)

// Dependencies carries the observability collaborators of a built client.
type Dependencies struct {
	Logger  logging.Logger
	Metrics *observability.MetricsCollector
	Tracer  *observability.TracerProvider
}

// New builds the provider named by cfg and wraps remote providers with
// retries, a circuit breaker and the configured rate limit. The mock
// provider is returned bare so tests stay deterministic.
func New(cfg Config, deps Dependencies) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var base Client
	switch strings.ToLower(cfg.Provider) {
	case ProviderMock:
		return NewMockClient(cfg.MockDelay), nil
	case ProviderOpenAI:
		base = NewOpenAIClient(cfg)
	case ProviderAnthropic:
		base = NewAnthropicClient(cfg)
	case ProviderGemini:
		gemini, err := NewGeminiClient(cfg)
		if err != nil {
			return nil, err
		}
		base = gemini
	}

	logger := deps.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("llm")
	}
	retry := errs.DefaultRetryConfig()
	if cfg.MaxRetries >= 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}
	breaker := errs.NewCircuitBreaker("llm-"+cfg.Provider, errs.DefaultCircuitBreakerConfig(), logger)
	return NewRetryClient(base, retry, breaker,
		WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		WithRequestTimeout(cfg.Timeout),
		WithRetryLogger(logger),
		WithRetryMetrics(deps.Metrics),
		WithRetryTracer(deps.Tracer),
	), nil
}

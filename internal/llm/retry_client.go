package llm

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	errs "runcore/internal/errors"
	"runcore/internal/logging"
	"runcore/internal/observability"
)

// retryClient wraps a Client with rate limiting, a circuit breaker and retries
// for transient upstream failures.
type retryClient struct {
	underlying     Client
	retryConfig    errs.RetryConfig
	circuitBreaker *errs.CircuitBreaker
	limiter        *rate.Limiter
	timeout        time.Duration
	logger         logging.Logger
	metrics        *observability.MetricsCollector
	tracer         *observability.TracerProvider
}

var _ Client = (*retryClient)(nil)

// RetryOption customizes NewRetryClient.
type RetryOption func(*retryClient)

// WithRateLimit allows limit requests per second with the given burst. A
// non-positive limit disables limiting.
func WithRateLimit(limit float64, burst int) RetryOption {
	return func(c *retryClient) {
		if limit <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
}

// WithRequestTimeout bounds each Generate attempt.
func WithRequestTimeout(d time.Duration) RetryOption {
	return func(c *retryClient) { c.timeout = d }
}

func WithRetryLogger(logger logging.Logger) RetryOption {
	return func(c *retryClient) { c.logger = logging.OrNop(logger) }
}

func WithRetryMetrics(metrics *observability.MetricsCollector) RetryOption {
	return func(c *retryClient) { c.metrics = metrics }
}

func WithRetryTracer(tracer *observability.TracerProvider) RetryOption {
	return func(c *retryClient) { c.tracer = tracer }
}

// NewRetryClient wraps client with retry and circuit breaker logic.
func NewRetryClient(client Client, retryConfig errs.RetryConfig, circuitBreaker *errs.CircuitBreaker, opts ...RetryOption) Client {
	c := &retryClient{
		underlying:     client,
		retryConfig:    retryConfig,
		circuitBreaker: circuitBreaker,
		logger:         logging.NewComponentLogger("llm-retry"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *retryClient) Model() string { return c.underlying.Model() }

// Generate executes the request with retry logic.
func (c *retryClient) Generate(ctx context.Context, messages []Message) (string, error) {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanLLMGenerate,
		attribute.String(observability.AttrModel, c.Model()))
	defer span.End()

	start := time.Now()
	text, err := errs.RetryWithResult(ctx, c.retryConfig, func(ctx context.Context) (string, error) {
		return guardedCall(c, ctx, func(ctx context.Context) (string, error) {
			if c.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, c.timeout)
				defer cancel()
			}
			return c.underlying.Generate(ctx, messages)
		})
	}, c.logger)
	c.record(ctx, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("LLM request failed after retries (took %v): %v", time.Since(start), err)
		return "", err
	}
	return text, nil
}

// Stream retries opening the stream. Once fragments flow, failures surface
// to the reader unchanged.
func (c *retryClient) Stream(ctx context.Context, messages []Message) (Stream, error) {
	start := time.Now()
	stream, err := errs.RetryWithResult(ctx, c.retryConfig, func(ctx context.Context) (Stream, error) {
		return guardedCall(c, ctx, func(ctx context.Context) (Stream, error) {
			return c.underlying.Stream(ctx, messages)
		})
	}, c.logger)
	c.record(ctx, start, err)
	if err != nil {
		c.logger.Warn("LLM stream failed to open (took %v): %v", time.Since(start), err)
		return nil, err
	}
	return stream, nil
}

// guardedCall waits for the rate limiter, then runs fn through the breaker.
func guardedCall[T any](c *retryClient, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("llm rate limit wait: %w", err)
		}
	}
	if c.circuitBreaker == nil {
		return fn(ctx)
	}
	return errs.ExecuteFunc(c.circuitBreaker, ctx, fn)
}

func (c *retryClient) record(ctx context.Context, start time.Time, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errs.IsCancelled(err):
		status = "cancelled"
	default:
		status = "error"
	}
	c.metrics.RecordLLMRequest(ctx, c.Model(), status, time.Since(start))
}

package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"runcore/internal/async"
	"runcore/internal/cancel"
	errs "runcore/internal/errors"
	"runcore/internal/eventbus"
	"runcore/internal/logging"
	"runcore/internal/observability"
)

// Tool lifecycle event types.
const (
	EventToolStart     = "tool_start"
	EventToolEnd       = "tool_end"
	EventToolError     = "tool_error"
	EventToolCancelled = "tool_cancelled"
)

// DefaultWorkers bounds how many sync tool bodies run at once.
const DefaultWorkers = 8

// Publisher is the slice of the event bus the runner reports to.
type Publisher interface {
	Publish(ctx context.Context, sessionID, eventType string, payload map[string]any) eventbus.Event
}

// Result is the outcome of a successful governed call.
type Result struct {
	OK       bool          `json:"ok"`
	Tool     string        `json:"tool"`
	Output   any           `json:"output"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"-"`
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers sets the sync worker pool size.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = int64(n)
		}
	}
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger logging.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logging.OrNop(logger) }
}

// WithRunnerMetrics records per-attempt outcomes.
func WithRunnerMetrics(m *observability.MetricsCollector) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithRunnerTracer wraps every attempt in a span.
func WithRunnerTracer(tp *observability.TracerProvider) RunnerOption {
	return func(r *Runner) { r.tracer = tp }
}

// WithJitterSource replaces the uniform [0, 1) source used for backoff jitter.
func WithJitterSource(fn func() float64) RunnerOption {
	return func(r *Runner) {
		if fn != nil {
			r.jitter = fn
		}
	}
}

// Runner executes registered tools with per-attempt timeouts, retry with
// exponential backoff, and cooperative plus forced cancellation. Every call
// ends in a tool_end event, a returned *errs.ToolError, or a cancellation.
type Runner struct {
	registry *Registry
	bus      Publisher
	workers  int64
	pool     *semaphore.Weighted
	logger   logging.Logger
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	jitter   func() float64
}

// NewRunner builds a runner over registry that reports to bus.
func NewRunner(registry *Registry, bus Publisher, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: registry,
		bus:      bus,
		workers:  DefaultWorkers,
		logger:   logging.NewComponentLogger("ToolRunner"),
		jitter:   rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.pool = semaphore.NewWeighted(r.workers)
	return r
}

// Registry returns the catalog the runner resolves tools from.
func (r *Runner) Registry() *Registry { return r.registry }

// Run resolves toolName and executes it for sessionID. Unknown tools fail with
// errs.ErrToolNotFound before any event is published. Arguments that do not
// match the input schema fail immediately without retry. Cancellation of
// token or ctx returns an error for which errs.IsCancelled is true.
func (r *Runner) Run(ctx context.Context, sessionID, toolName string, args map[string]any, token *cancel.Token) (*Result, error) {
	spec, err := r.registry.Get(toolName)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	logger := logging.FromContext(ctx, r.logger)
	started := time.Now()

	r.publish(ctx, sessionID, EventToolStart, map[string]any{
		"tool":        spec.Name,
		"args":        args,
		"timeout_s":   spec.Timeout.Seconds(),
		"max_retries": spec.Retry.MaxRetries,
		"mode":        string(spec.Mode),
	})

	if err := r.registry.ValidateArgs(spec.Name, args); err != nil {
		r.publish(ctx, sessionID, EventToolError, map[string]any{
			"tool":       spec.Name,
			"attempt":    0,
			"error":      err.Error(),
			"timeout":    false,
			"validation": true,
		})
		r.metrics.RecordToolExecution(ctx, spec.Name, "invalid", 0)
		return nil, &errs.ToolError{Tool: spec.Name, Attempts: 0, Elapsed: time.Since(started), Err: err}
	}

	for attempt := 1; ; attempt++ {
		if err := checkpoint(ctx, token); err != nil {
			return nil, r.cancelled(ctx, sessionID, spec.Name, attempt, err)
		}

		attemptStart := time.Now()
		output, err := r.attempt(ctx, spec, args, token, attempt)
		duration := time.Since(attemptStart)

		if err == nil {
			r.metrics.RecordToolExecution(ctx, spec.Name, "ok", duration)
			r.publish(ctx, sessionID, EventToolEnd, map[string]any{
				"tool":        spec.Name,
				"ok":          true,
				"attempt":     attempt,
				"duration_ms": duration.Milliseconds(),
			})
			logger.Debug("Tool %s succeeded on attempt %d in %s", spec.Name, attempt, duration)
			return &Result{OK: true, Tool: spec.Name, Output: output, Attempt: attempt, Duration: duration}, nil
		}

		if errs.IsCancelled(err) {
			r.metrics.RecordToolExecution(ctx, spec.Name, "cancelled", duration)
			return nil, r.cancelled(ctx, sessionID, spec.Name, attempt, err)
		}

		timedOut := errors.Is(err, errs.ErrTimeout)
		status := "error"
		if timedOut {
			status = "timeout"
		}
		r.metrics.RecordToolExecution(ctx, spec.Name, status, duration)

		payload := map[string]any{
			"tool":        spec.Name,
			"attempt":     attempt,
			"error":       err.Error(),
			"timeout":     timedOut,
			"duration_ms": duration.Milliseconds(),
		}
		if attempt > spec.Retry.MaxRetries {
			r.publish(ctx, sessionID, EventToolError, payload)
			logger.Warn("Tool %s failed after %d attempt(s): %v", spec.Name, attempt, err)
			return nil, &errs.ToolError{
				Tool:     spec.Name,
				Attempts: attempt,
				Elapsed:  time.Since(started),
				Err:      &errs.ToolExecutionError{Tool: spec.Name, Attempt: attempt, Err: err},
			}
		}

		delay := spec.Retry.Delay(attempt, r.jitter())
		payload["retry_in_ms"] = delay.Milliseconds()
		r.publish(ctx, sessionID, EventToolError, payload)
		logger.Debug("Tool %s attempt %d failed (%v); retrying in %s", spec.Name, attempt, err, delay)

		if err := wait(ctx, token, delay); err != nil {
			return nil, r.cancelled(ctx, sessionID, spec.Name, attempt, err)
		}
	}
}

type outcome struct {
	output any
	err    error
}

// attempt runs the body once under the tool deadline. A body still running
// when the deadline passes or the token fires is abandoned; a sync body keeps
// its worker slot until it returns.
func (r *Runner) attempt(ctx context.Context, spec Spec, args map[string]any, token *cancel.Token, attempt int) (any, error) {
	attemptCtx, cancelAttempt := context.WithTimeout(ctx, spec.Timeout)
	defer cancelAttempt()

	attrs := append(observability.ToolAttrs(spec.Name), attribute.Int(observability.AttrAttempt, attempt))
	attemptCtx, span := r.tracer.StartSpan(attemptCtx, observability.SpanToolExecute, attrs...)
	defer span.End()

	done := make(chan outcome, 1)
	body := maps.Clone(args)
	var output any
	invoke := func() error {
		out, err := spec.Tool.Invoke(attemptCtx, body)
		output = out
		return err
	}

	if spec.Mode == ModeSync {
		if err := r.pool.Acquire(attemptCtx, 1); err != nil {
			err = settle(ctx, attemptCtx, spec, err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		async.GoErr(r.logger, "tool:"+spec.Name, invoke, func(err error) {
			r.pool.Release(1)
			done <- outcome{output: output, err: err}
		})
	} else {
		async.GoErr(r.logger, "tool:"+spec.Name, invoke, func(err error) {
			done <- outcome{output: output, err: err}
		})
	}

	var res outcome
	select {
	case res = <-done:
		res.err = settle(ctx, attemptCtx, spec, res.err)
	case <-attemptCtx.Done():
		res.err = settle(ctx, attemptCtx, spec, attemptCtx.Err())
	case <-token.Done():
		res.err = errs.Cancelled("tool " + spec.Name)
	}

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		return nil, res.err
	}
	span.SetStatus(codes.Ok, "")
	return res.output, nil
}

// settle maps a body or deadline error onto the runner's taxonomy: the
// caller's ctx ending is cancellation, the attempt deadline is a timeout.
func settle(ctx, attemptCtx context.Context, spec Spec, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", errs.ErrCancelled, ctxErr)
	}
	if errs.IsCancelled(err) {
		return err
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, attemptCtx.Err())) {
		return fmt.Errorf("%w after %s", errs.ErrTimeout, spec.Timeout)
	}
	return err
}

func checkpoint(ctx context.Context, token *cancel.Token) error {
	if err := token.Checkpoint(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrCancelled, err)
	}
	return nil
}

func wait(ctx context.Context, token *cancel.Token, d time.Duration) error {
	if d <= 0 {
		return checkpoint(ctx, token)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return checkpoint(ctx, token)
	case <-token.Done():
		return errs.ErrCancelled
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
	}
}

func (r *Runner) cancelled(ctx context.Context, sessionID, tool string, attempt int, err error) error {
	r.publish(context.WithoutCancel(ctx), sessionID, EventToolCancelled, map[string]any{
		"tool":    tool,
		"attempt": attempt,
	})
	logging.FromContext(ctx, r.logger).Info("Tool %s cancelled at attempt %d", tool, attempt)
	if errs.IsCancelled(err) {
		return err
	}
	return fmt.Errorf("%w: %w", errs.ErrCancelled, err)
}

func (r *Runner) publish(ctx context.Context, sessionID, eventType string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, sessionID, eventType, payload)
}

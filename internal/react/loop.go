// Package react drives the bounded reason/act loop: ask the model for an
// action, run the chosen tool or return the final answer.
package react

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"runcore/internal/cancel"
	errs "runcore/internal/errors"
	"runcore/internal/eventbus"
	"runcore/internal/llm"
	"runcore/internal/logging"
	"runcore/internal/observability"
	jsonx "runcore/internal/shared/json"
	"runcore/internal/toolregistry"
)

// DefaultMaxSteps bounds a loop when Config leaves MaxSteps unset.
const DefaultMaxSteps = 6

// Event types published by the loop.
const (
	EventStart        = "react_start"
	EventStepStart    = "react_step_start"
	EventModelRaw     = "react_model_raw"
	EventParseError   = "react_parse_error"
	EventToolSelected = "react_tool_selected"
	EventObservation  = "react_observation"
	EventDone         = "react_done"
)

const observationPrefix = "Observation: "

// Publisher is the slice of the event bus the loop reports to.
type Publisher interface {
	Publish(ctx context.Context, sessionID, eventType string, payload map[string]any) eventbus.Event
}

// Config captures the loop's tunables and collaborators.
type Config struct {
	MaxSteps    int  `mapstructure:"max_steps" yaml:"max_steps"`
	LenientJSON bool `mapstructure:"lenient_json" yaml:"lenient_json"` // repair malformed action JSON before failing

	Logger logging.Logger                `mapstructure:"-" yaml:"-"`
	Tracer *observability.TracerProvider `mapstructure:"-" yaml:"-"`
}

// Task is one loop invocation: the user's request plus optional extra
// system instructions.
type Task struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
}

// Loop orchestrates model calls and tool execution for one session at a time.
// A Loop holds no per-run state and may serve concurrent runs.
type Loop struct {
	model    llm.Client
	runner   *toolregistry.Runner
	bus      Publisher
	maxSteps int
	lenient  bool
	logger   logging.Logger
	tracer   *observability.TracerProvider
}

// NewLoop builds a loop over model and the tools known to runner.
func NewLoop(model llm.Client, runner *toolregistry.Runner, bus Publisher, cfg Config) *Loop {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("ReactLoop")
	}
	return &Loop{
		model:    model,
		runner:   runner,
		bus:      bus,
		maxSteps: maxSteps,
		lenient:  cfg.LenientJSON,
		logger:   logger,
		tracer:   cfg.Tracer,
	}
}

// MaxSteps returns the step budget.
func (l *Loop) MaxSteps() int { return l.maxSteps }

// Run iterates at most MaxSteps act/observe steps and returns the final
// answer. Tool failures are fed back to the model as observations; parse,
// validation, unknown action and model errors end the run, as does
// cancellation through token or ctx.
func (l *Loop) Run(ctx context.Context, sessionID string, token *cancel.Token, task Task) (string, error) {
	logger := logging.FromContext(ctx, l.logger)
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: BuildSystemPrompt(l.runner.Registry().List(), task.System)},
		{Role: llm.RoleUser, Content: task.Prompt},
	}

	l.publish(ctx, sessionID, EventStart, map[string]any{"max_steps": l.maxSteps})

	for step := 1; step <= l.maxSteps; step++ {
		stepCtx, span := l.tracer.StartSpan(ctx, observability.SpanReactStep, observability.StepAttrs(step)...)
		final, done, err := l.step(stepCtx, sessionID, token, step, &messages)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if err != nil {
			if errs.IsCancelled(err) {
				logger.Info("React loop cancelled at step %d", step)
			} else {
				logger.Warn("React loop failed at step %d: %v", step, err)
			}
			return "", err
		}
		if done {
			logger.Debug("React loop finished at step %d", step)
			return final, nil
		}
	}
	return "", &errs.StepsExceededError{MaxSteps: l.maxSteps}
}

// step runs one act/observe iteration. done reports a final answer.
func (l *Loop) step(ctx context.Context, sessionID string, token *cancel.Token, step int, messages *[]llm.Message) (string, bool, error) {
	if err := checkpoint(ctx, token); err != nil {
		return "", false, err
	}
	l.publish(ctx, sessionID, EventStepStart, map[string]any{"step": step})

	raw, err := l.generate(ctx, token, *messages)
	if err != nil {
		return "", false, err
	}
	l.publish(ctx, sessionID, EventModelRaw, map[string]any{"step": step, "text": raw})
	*messages = append(*messages, llm.Message{Role: llm.RoleAssistant, Content: raw})

	action, err := ParseAction(raw, l.lenient)
	if err != nil {
		var parseErr *errs.ParseError
		if errors.As(err, &parseErr) {
			l.publish(ctx, sessionID, EventParseError, map[string]any{"step": step, "error": err.Error()})
		}
		return "", false, err
	}

	if action.Type == ActionFinal {
		l.publish(ctx, sessionID, EventDone, map[string]any{"step": step, "final": action.Final})
		return action.Final, true, nil
	}

	l.publish(ctx, sessionID, EventToolSelected, map[string]any{
		"step": step,
		"tool": action.ToolName,
		"args": action.Args,
	})
	if err := checkpoint(ctx, token); err != nil {
		return "", false, err
	}

	var observation map[string]any
	res, err := l.runner.Run(ctx, sessionID, action.ToolName, action.Args, token)
	var toolErr *errs.ToolError
	switch {
	case err == nil:
		observation = map[string]any{"ok": true, "tool": action.ToolName, "output": res.Output}
	case errors.As(err, &toolErr) && !errs.IsCancelled(err):
		observation = map[string]any{"ok": false, "tool": action.ToolName, "error": err.Error()}
	default:
		return "", false, err
	}

	payload := map[string]any{"step": step}
	for k, v := range observation {
		payload[k] = v
	}
	l.publish(ctx, sessionID, EventObservation, payload)
	*messages = append(*messages, llm.Message{Role: llm.RoleUser, Content: observationPrefix + jsonx.String(observation)})
	return "", false, nil
}

// generate calls the model with a context the token can cancel.
func (l *Loop) generate(ctx context.Context, token *cancel.Token, messages []llm.Message) (string, error) {
	callCtx, stop := token.Bind(ctx)
	defer stop()

	raw, err := l.model.Generate(callCtx, messages)
	if err == nil {
		return raw, nil
	}
	if token.IsCancelled() {
		return "", errs.Cancelled("model generate")
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
	}
	return "", fmt.Errorf("model generate: %w", err)
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

func (l *Loop) publish(ctx context.Context, sessionID, eventType string, payload map[string]any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(ctx, sessionID, eventType, payload)
}

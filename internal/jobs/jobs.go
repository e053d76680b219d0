// Package jobs turns run requests into task.Job closures: a ticking demo, a
// single streamed model call, one governed tool call, or a full react loop.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"runcore/internal/cancel"
	errs "runcore/internal/errors"
	"runcore/internal/eventbus"
	"runcore/internal/llm"
	"runcore/internal/react"
	"runcore/internal/task"
	"runcore/internal/toolregistry"
)

// Job kinds
const (
	KindDemo  = "demo"
	KindLLM   = "llm"
	KindTool  = "tool"
	KindReact = "react"
)

// Event types published by jobs.
const (
	EventDemoTick   = "demo_tick"
	EventLLMToken   = "llm_token"
	EventLLMDone    = "llm_done"
	EventToolResult = "tool_result"
	EventReactFinal = "react_final"
)

// Kinds lists every supported job kind.
func Kinds() []string { return []string{KindDemo, KindLLM, KindTool, KindReact} }

// Request describes a run to start.
type Request struct {
	Kind   string         `json:"kind"`
	Prompt string         `json:"prompt,omitempty"`
	System string         `json:"system,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`

	// Ticks and IntervalMS override the demo defaults.
	Ticks      int `json:"ticks,omitempty"`
	IntervalMS int `json:"interval_ms,omitempty"`
}

// Validate checks the fields the requested kind needs.
func (r Request) Validate() error {
	switch r.Kind {
	case KindDemo:
		if r.Ticks < 0 || r.IntervalMS < 0 {
			return errs.NewValidationError("ticks", "ticks and interval_ms must be >= 0")
		}
	case KindLLM, KindReact:
		if strings.TrimSpace(r.Prompt) == "" {
			return errs.NewValidationError("prompt", "is required for kind "+r.Kind)
		}
	case KindTool:
		if strings.TrimSpace(r.Tool) == "" {
			return errs.NewValidationError("tool", "is required for kind tool")
		}
	default:
		return errs.NewValidationError("kind", fmt.Sprintf("unknown kind %q (want one of %s)", r.Kind, strings.Join(Kinds(), ", ")))
	}
	return nil
}

// DemoConfig shapes the demo job.
type DemoConfig struct {
	Ticks    int           `mapstructure:"ticks" yaml:"ticks"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// DefaultDemoConfig runs 300 ticks of 100ms.
func DefaultDemoConfig() DemoConfig {
	return DemoConfig{Ticks: 300, Interval: 100 * time.Millisecond}
}

// Publisher is the slice of the event bus jobs report to.
type Publisher interface {
	Publish(ctx context.Context, sessionID, eventType string, payload map[string]any) eventbus.Event
}

// Factory builds jobs bound to shared collaborators.
type Factory struct {
	bus    Publisher
	model  llm.Client
	runner *toolregistry.Runner
	loop   *react.Loop
	demo   DemoConfig
}

// NewFactory wires a factory. Any collaborator may be nil, in which case
// requests for the kinds that need it are rejected.
func NewFactory(bus Publisher, model llm.Client, runner *toolregistry.Runner, loop *react.Loop, demo DemoConfig) *Factory {
	if demo.Ticks <= 0 {
		demo.Ticks = DefaultDemoConfig().Ticks
	}
	if demo.Interval <= 0 {
		demo.Interval = DefaultDemoConfig().Interval
	}
	return &Factory{bus: bus, model: model, runner: runner, loop: loop, demo: demo}
}

// Build returns the job for req, bound to sessionID.
func (f *Factory) Build(sessionID string, req Request) (task.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	switch req.Kind {
	case KindDemo:
		ticks, interval := f.demo.Ticks, f.demo.Interval
		if req.Ticks > 0 {
			ticks = req.Ticks
		}
		if req.IntervalMS > 0 {
			interval = time.Duration(req.IntervalMS) * time.Millisecond
		}
		return f.demoJob(sessionID, ticks, interval), nil
	case KindLLM:
		if f.model == nil {
			return nil, errors.New("jobs: no model client configured")
		}
		return f.llmJob(sessionID, req.System, req.Prompt), nil
	case KindTool:
		if f.runner == nil {
			return nil, errors.New("jobs: no tool runner configured")
		}
		if _, err := f.runner.Registry().Get(req.Tool); err != nil {
			return nil, err
		}
		return f.toolJob(sessionID, req.Tool, req.Args), nil
	default:
		if f.loop == nil {
			return nil, errors.New("jobs: no react loop configured")
		}
		return f.reactJob(sessionID, react.Task{Prompt: req.Prompt, System: req.System}), nil
	}
}

func (f *Factory) demoJob(sessionID string, ticks int, interval time.Duration) task.Job {
	return func(ctx context.Context, token *cancel.Token) error {
		for i := 1; i <= ticks; i++ {
			if err := token.Sleep(ctx, interval); err != nil {
				return err
			}
			f.bus.Publish(ctx, sessionID, EventDemoTick, map[string]any{"i": i, "of": ticks})
		}
		return nil
	}
}

func (f *Factory) llmJob(sessionID, system, prompt string) task.Job {
	return func(ctx context.Context, token *cancel.Token) error {
		var messages []llm.Message
		if strings.TrimSpace(system) != "" {
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

		callCtx, stop := token.Bind(ctx)
		defer stop()

		stream, err := f.model.Stream(callCtx, messages)
		if err != nil {
			return cancelledOr(token, err)
		}
		defer func() { _ = stream.Close() }()

		var sb strings.Builder
		for {
			if err := token.Checkpoint(); err != nil {
				return err
			}
			frag, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return cancelledOr(token, err)
			}
			sb.WriteString(frag)
			f.bus.Publish(ctx, sessionID, EventLLMToken, map[string]any{"text": frag})
		}
		f.bus.Publish(ctx, sessionID, EventLLMDone, map[string]any{"text": sb.String()})
		return nil
	}
}

func (f *Factory) toolJob(sessionID, tool string, args map[string]any) task.Job {
	return func(ctx context.Context, token *cancel.Token) error {
		res, err := f.runner.Run(ctx, sessionID, tool, args, token)
		if err != nil {
			return err
		}
		f.bus.Publish(ctx, sessionID, EventToolResult, map[string]any{
			"tool":    res.Tool,
			"output":  res.Output,
			"attempt": res.Attempt,
		})
		return nil
	}
}

func (f *Factory) reactJob(sessionID string, t react.Task) task.Job {
	return func(ctx context.Context, token *cancel.Token) error {
		final, err := f.loop.Run(ctx, sessionID, token, t)
		if err != nil {
			return err
		}
		f.bus.Publish(ctx, sessionID, EventReactFinal, map[string]any{"final": final})
		return nil
	}
}

// cancelledOr reports a stream failure caused by the token as cancellation.
func cancelledOr(token *cancel.Token, err error) error {
	if token.IsCancelled() {
		return errs.Cancelled("model stream")
	}
	return fmt.Errorf("model stream: %w", err)
}

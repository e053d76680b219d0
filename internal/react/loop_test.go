package react

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runcore/internal/cancel"
	errs "runcore/internal/errors"
	"runcore/internal/eventbus"
	"runcore/internal/llm"
	"runcore/internal/logging"
	"runcore/internal/toolregistry"
	"runcore/internal/tools/builtin"
)

type loopFixture struct {
	model *llm.MockClient
	bus   *eventbus.Bus
	sub   *eventbus.Subscription
	loop  *Loop
}

func newLoopFixture(t *testing.T, maxSteps int, extra ...toolregistry.Spec) *loopFixture {
	t.Helper()
	reg := toolregistry.NewRegistry()
	reg.MustRegister(builtin.NewCalc(), builtin.NewEcho())
	reg.MustRegister(extra...)
	bus := eventbus.New(eventbus.WithLogger(logging.Nop()))
	sub := bus.Subscribe("s1")
	t.Cleanup(sub.Close)
	runner := toolregistry.NewRunner(reg, bus, toolregistry.WithRunnerLogger(logging.Nop()))
	model := llm.NewMockClient(0)
	loop := NewLoop(model, runner, bus, Config{MaxSteps: maxSteps, Logger: logging.Nop()})
	return &loopFixture{model: model, bus: bus, sub: sub, loop: loop}
}

func (f *loopFixture) run(t *testing.T, prompt string) (string, error) {
	t.Helper()
	return f.loop.Run(context.Background(), "s1", cancel.New(), Task{Prompt: prompt})
}

func (f *loopFixture) events() []eventbus.Event {
	var out []eventbus.Event
	for f.sub.Len() > 0 {
		ev, err := f.sub.Next(context.Background())
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

func types(events []eventbus.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func ofType(events []eventbus.Event, typ string) []eventbus.Event {
	var out []eventbus.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestLoopFinalOnFirstStep(t *testing.T) {
	f := newLoopFixture(t, 0)
	f.model.Script(`{"type":"final","final":"42"}`)

	got, err := f.run(t, "what is the answer?")
	require.NoError(t, err)
	assert.Equal(t, "42", got)
	assert.Len(t, f.model.Calls(), 1)

	events := f.events()
	assert.Equal(t, []string{EventStart, EventStepStart, EventModelRaw, EventDone}, types(events))
	assert.Equal(t, DefaultMaxSteps, events[0].Payload["max_steps"])
	assert.Equal(t, 1, events[3].Payload["step"])
	assert.Equal(t, "42", events[3].Payload["final"])
}

func TestLoopCalcThenFinal(t *testing.T) {
	f := newLoopFixture(t, 0)
	f.model.Script(
		`{"type":"tool","tool_name":"calc","args":{"expression":"2+2"}}`,
		`{"type":"final","final":"4"}`,
	)

	got, err := f.run(t, "add 2 and 2")
	require.NoError(t, err)
	assert.Equal(t, "4", got)

	events := f.events()
	steps := ofType(events, EventStepStart)
	require.Len(t, steps, 2)

	obs := ofType(events, EventObservation)
	require.Len(t, obs, 1)
	assert.Equal(t, true, obs[0].Payload["ok"])
	assert.Equal(t, 1, obs[0].Payload["step"])
	output, ok := obs[0].Payload["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 4.0, output["value"])

	done := ofType(events, EventDone)
	require.Len(t, done, 1)
	assert.Equal(t, 2, done[0].Payload["step"])

	selected := ofType(events, EventToolSelected)
	require.Len(t, selected, 1)
	assert.Equal(t, "calc", selected[0].Payload["tool"])

	// the tool events sit between selection and observation
	assert.Less(t, selected[0].Seq, ofType(events, toolregistry.EventToolStart)[0].Seq)
	assert.Less(t, ofType(events, toolregistry.EventToolEnd)[0].Seq, obs[0].Seq)

	calls := f.model.Calls()
	require.Len(t, calls, 2)
	second := calls[1]
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleAssistant, second[2].Role)
	assert.Equal(t, llm.RoleUser, second[3].Role)
	assert.True(t, strings.HasPrefix(second[3].Content, "Observation: "), second[3].Content)
	assert.Contains(t, second[3].Content, `"value":4`)
}

func TestLoopStepsExceeded(t *testing.T) {
	f := newLoopFixture(t, 3)
	for range 3 {
		f.model.Script(`{"type":"tool","tool_name":"echo","args":{"text":"again"}}`)
	}

	_, err := f.run(t, "loop forever")
	var exceeded *errs.StepsExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 3, exceeded.MaxSteps)
	assert.Len(t, f.model.Calls(), 3)

	events := f.events()
	assert.Len(t, ofType(events, EventStepStart), 3)
	assert.Len(t, ofType(events, EventObservation), 3)
	assert.Empty(t, ofType(events, EventDone))
}

func TestLoopParseErrorStopsImmediately(t *testing.T) {
	f := newLoopFixture(t, 0)
	f.model.Script("I think the answer is four.", `{"type":"final","final":"never"}`)

	_, err := f.run(t, "2+2")
	var parseErr *errs.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Len(t, f.model.Calls(), 1)

	events := f.events()
	assert.Len(t, ofType(events, EventStepStart), 1)
	perr := ofType(events, EventParseError)
	require.Len(t, perr, 1)
	assert.Equal(t, 1, perr[0].Payload["step"])
}

func TestLoopValidationErrors(t *testing.T) {
	cases := map[string]string{
		"tool_name not string": `{"type":"tool","tool_name":5,"args":{}}`,
		"args not object":      `{"type":"tool","tool_name":"calc","args":[1]}`,
		"args null":            `{"type":"tool","tool_name":"calc","args":null}`,
		"final not string":     `{"type":"final","final":4}`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			f := newLoopFixture(t, 0)
			f.model.Script(reply)
			_, err := f.run(t, "x")
			var validation *errs.ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Empty(t, ofType(f.events(), EventToolSelected))
		})
	}
}

func TestLoopUnknownActionType(t *testing.T) {
	f := newLoopFixture(t, 0)
	f.model.Script(`{"type":"dance"}`)
	_, err := f.run(t, "x")
	var unknown *errs.UnknownActionError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "dance", unknown.Type)
}

func TestLoopToolFailureBecomesObservation(t *testing.T) {
	boom := toolregistry.Spec{
		Name:  "boom",
		Tool:  toolregistry.SyncFunc(func(map[string]any) (any, error) { return nil, errors.New("kaput") }),
		Retry: toolregistry.NoRetry(),
	}
	f := newLoopFixture(t, 0, boom)
	f.model.Script(`{"type":"tool","tool_name":"boom","args":{}}`, `{"type":"final","final":"recovered"}`)

	got, err := f.run(t, "x")
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)

	obs := ofType(f.events(), EventObservation)
	require.Len(t, obs, 1)
	assert.Equal(t, false, obs[0].Payload["ok"])
	assert.Contains(t, obs[0].Payload["error"], "kaput")

	calls := f.model.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1][3].Content, `"ok":false`)
}

func TestLoopUnknownToolEndsRun(t *testing.T) {
	f := newLoopFixture(t, 0)
	f.model.Script(`{"type":"tool","tool_name":"teleport","args":{}}`)
	_, err := f.run(t, "x")
	assert.ErrorIs(t, err, errs.ErrToolNotFound)
}

func TestLoopCancelledBeforeFirstStep(t *testing.T) {
	f := newLoopFixture(t, 0)
	token := cancel.New()
	token.Cancel()

	_, err := f.loop.Run(context.Background(), "s1", token, Task{Prompt: "x"})
	assert.True(t, errs.IsCancelled(err))
	assert.Empty(t, f.model.Calls())
	assert.Empty(t, ofType(f.events(), EventStepStart))
}

type blockingModel struct {
	started chan struct{}
}

func (b *blockingModel) Model() string { return "blocking" }

func (b *blockingModel) Generate(ctx context.Context, _ []llm.Message) (string, error) {
	close(b.started)
	<-ctx.Done()
	return "", ctx.Err()
}

func (b *blockingModel) Stream(context.Context, []llm.Message) (llm.Stream, error) {
	return nil, errors.New("not supported")
}

func TestLoopCancelInterruptsModelCall(t *testing.T) {
	reg := toolregistry.NewRegistry()
	bus := eventbus.New(eventbus.WithLogger(logging.Nop()))
	runner := toolregistry.NewRunner(reg, bus, toolregistry.WithRunnerLogger(logging.Nop()))
	model := &blockingModel{started: make(chan struct{})}
	loop := NewLoop(model, runner, bus, Config{Logger: logging.Nop()})

	token := cancel.New()
	errCh := make(chan error, 1)
	go func() {
		_, err := loop.Run(context.Background(), "s1", token, Task{Prompt: "x"})
		errCh <- err
	}()

	<-model.started
	token.Cancel()
	select {
	case err := <-errCh:
		assert.True(t, errs.IsCancelled(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not observe cancellation")
	}
}

func TestLoopCancelDuringToolCall(t *testing.T) {
	f := newLoopFixture(t, 0, builtin.NewSleep())
	f.model.Script(`{"type":"tool","tool_name":"sleep","args":{"seconds":3}}`)
	token := cancel.New()

	errCh := make(chan error, 1)
	go func() {
		_, err := f.loop.Run(context.Background(), "s1", token, Task{Prompt: "nap"})
		errCh <- err
	}()

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	for {
		ev, err := f.sub.Next(ctx)
		require.NoError(t, err)
		if ev.Type == toolregistry.EventToolStart {
			break
		}
	}
	token.Cancel()

	select {
	case err := <-errCh:
		assert.True(t, errs.IsCancelled(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not observe cancellation")
	}
	assert.Empty(t, ofType(f.events(), EventObservation), "a cancelled tool is not an observation")
}

func TestLoopLenientJSONRepairsTruncatedAction(t *testing.T) {
	reg := toolregistry.NewRegistry()
	bus := eventbus.New(eventbus.WithLogger(logging.Nop()))
	runner := toolregistry.NewRunner(reg, bus, toolregistry.WithRunnerLogger(logging.Nop()))
	model := llm.NewMockClient(0).Script(`{"type":"final","final":"almost`)

	strict := NewLoop(model, runner, bus, Config{Logger: logging.Nop()})
	_, err := strict.Run(context.Background(), "s1", cancel.New(), Task{Prompt: "x"})
	var parseErr *errs.ParseError
	require.ErrorAs(t, err, &parseErr)

	model.Script(`{"type":"final","final":"almost`)
	lenient := NewLoop(model, runner, bus, Config{LenientJSON: true, Logger: logging.Nop()})
	got, err := lenient.Run(context.Background(), "s1", cancel.New(), Task{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "almost", got)
}

func TestLoopSystemPromptIncludesUserSystem(t *testing.T) {
	f := newLoopFixture(t, 0)
	f.model.Script(`{"type":"final","final":"ok"}`)

	_, err := f.loop.Run(context.Background(), "s1", cancel.New(), Task{Prompt: "hi", System: "Answer in French."})
	require.NoError(t, err)

	calls := f.model.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, llm.RoleSystem, calls[0][0].Role)
	assert.Contains(t, calls[0][0].Content, "Answer in French.")
	assert.Equal(t, "hi", calls[0][1].Content)
}

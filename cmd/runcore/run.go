package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"runcore/internal/config"
	"runcore/internal/di"
	"runcore/internal/eventbus"
	"runcore/internal/jobs"
	jsonx "runcore/internal/shared/json"
	"runcore/internal/task"
	id "runcore/internal/utils/id"
)

type runFlags struct {
	kind       string
	tool       string
	args       string
	system     string
	session    string
	maxSteps   int
	ticks      int
	intervalMS int
	raw        bool
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Run one task locally and stream its events",
		Long: `Run one task in-process and print its events until it finishes.
Interrupt once to request cancellation; the run still reports its outcome.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var overrides config.Overrides
			if cmd.Flags().Changed("max-steps") {
				overrides.MaxSteps = &rf.maxSteps
			}
			cfg, err := loadConfig(cmd, flags, overrides)
			if err != nil {
				return err
			}
			req, err := rf.request(args)
			if err != nil {
				return err
			}
			return runLocal(cmd, cfg, rf, req)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&rf.kind, "kind", "k", "", "Job kind: demo, llm, tool or react (default react with a prompt, demo without)")
	f.StringVar(&rf.tool, "tool", "", "Tool name for --kind tool")
	f.StringVar(&rf.args, "args", "", "Tool arguments as a JSON object")
	f.StringVar(&rf.system, "system", "", "Extra system instructions")
	f.StringVarP(&rf.session, "session", "s", "", "Session id (random when empty)")
	f.IntVar(&rf.maxSteps, "max-steps", 0, "Max reason/act steps")
	f.IntVar(&rf.ticks, "ticks", 0, "Demo ticks")
	f.IntVar(&rf.intervalMS, "interval-ms", 0, "Demo tick interval in milliseconds")
	f.BoolVar(&rf.raw, "json", false, "Print events as JSON lines (default when stdout is not a terminal)")
	return cmd
}

func (rf *runFlags) request(args []string) (jobs.Request, error) {
	req := jobs.Request{
		Kind:       rf.kind,
		Prompt:     strings.TrimSpace(strings.Join(args, " ")),
		System:     rf.system,
		Tool:       rf.tool,
		Ticks:      rf.ticks,
		IntervalMS: rf.intervalMS,
	}
	if rf.args != "" {
		parsed, err := jsonx.DecodeObject([]byte(rf.args))
		if err != nil {
			return jobs.Request{}, fmt.Errorf("--args: %w", err)
		}
		req.Args = parsed
	}
	if req.Kind == "" {
		switch {
		case req.Tool != "":
			req.Kind = jobs.KindTool
		case req.Prompt != "":
			req.Kind = jobs.KindReact
		default:
			req.Kind = jobs.KindDemo
		}
	}
	return req, req.Validate()
}

func runLocal(cmd *cobra.Command, cfg config.RuntimeConfig, rf *runFlags, req jobs.Request) error {
	container, err := di.BuildContainer(cfg, di.Options{Version: appVersion()})
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = container.Shutdown(ctx)
	}()

	sessionID := rf.session
	if sessionID == "" {
		sessionID = id.NewSessionID()
	}
	sub := container.Bus.Subscribe(sessionID)
	defer sub.Close()

	job, err := container.Jobs.Build(sessionID, req)
	if err != nil {
		return err
	}
	if _, err := container.Manager.Start(cmd.Context(), sessionID, req.Kind, job); err != nil {
		return err
	}

	raw := rf.raw
	if !cmd.Flags().Changed("json") && !isTerminal(cmd.OutOrStdout()) {
		raw = true
	}
	printer := newEventPrinter(cmd.OutOrStdout(), raw)
	interrupted := cmd.Context().Done()
	waitCtx := context.Background()
	for {
		ev, err := nextEvent(waitCtx, sub, interrupted)
		if errors.Is(err, errInterrupted) {
			fmt.Fprintln(cmd.ErrOrStderr(), yellow("interrupt: cancelling run"))
			container.Manager.Cancel(sessionID)
			interrupted = nil
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			continue
		}
		if err != nil {
			return fmt.Errorf("event stream: %w", err)
		}
		printer.Print(ev)
		if ev.Terminal() {
			return outcome(ev)
		}
	}
}

var errInterrupted = errors.New("interrupted")

// nextEvent waits for the next event, returning errInterrupted when
// interrupted fires first.
func nextEvent(ctx context.Context, sub *eventbus.Subscription, interrupted <-chan struct{}) (eventbus.Event, error) {
	if interrupted == nil {
		return sub.Next(ctx)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-interrupted:
			cancel(errInterrupted)
		case <-ctx.Done():
		}
	}()
	ev, err := sub.Next(ctx)
	if err != nil && errors.Is(context.Cause(ctx), errInterrupted) {
		return eventbus.Event{}, errInterrupted
	}
	return ev, err
}

func outcome(ev eventbus.Event) error {
	switch ev.Type {
	case eventbus.TypeError:
		msg, _ := ev.Payload["error"].(string)
		return &exitError{code: 1, err: fmt.Errorf("run %s: %s", task.StatusError, msg)}
	case eventbus.TypeCancelled:
		return &exitError{code: 130, err: fmt.Errorf("run %s", task.StatusCancelled)}
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"runcore/internal/config"
	"runcore/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("Error: "+err.Error()))
		os.Exit(exitCode(err))
	}
}

// exitError carries a specific process exit status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// globalFlags are shared by every subcommand that loads configuration.
type globalFlags struct {
	configFile string
	provider   string
	model      string
	logLevel   string
	debug      bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "runcore",
		Short: "Session-scoped task runner with streaming events and governed tool calls",
		Long: fmt.Sprintf(`%s

runcore runs one task per session (a demo ticker, a streamed model reply, a
single tool call or a reason/act loop), publishes every step on a per-session
event bus and serves it over HTTP, SSE and WebSocket.

%s
  runcore serve --port 8080
  runcore run --kind tool --tool calc --args '{"expression":"(2+3)*4"}'
  runcore run --kind react "what is 6*7?"
  runcore tools --format yaml
  runcore trace --file logs/traces.jsonl`,
			bold("runcore "+appVersion()),
			bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&flags.provider, "provider", "", "LLM provider (mock, openai, anthropic, gemini)")
	pf.StringVarP(&flags.model, "model", "m", "", "LLM model")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.BoolVarP(&flags.debug, "debug", "d", false, "Debug mode")

	root.AddCommand(newServeCommand(flags))
	root.AddCommand(newRunCommand(flags))
	root.AddCommand(newToolsCommand(flags))
	root.AddCommand(newTraceCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// loadConfig resolves the runtime configuration from the config file, the
// environment and the flags that were set on cmd.
func loadConfig(cmd *cobra.Command, flags *globalFlags, overrides config.Overrides) (config.RuntimeConfig, error) {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("provider") {
		overrides.LLMProvider = &flags.provider
	}
	if changed("model") {
		overrides.LLMModel = &flags.model
	}
	if changed("log-level") {
		overrides.LogLevel = &flags.logLevel
	} else if flags.debug {
		level := "debug"
		overrides.LogLevel = &level
	}

	opts := []config.Option{config.WithOverrides(overrides)}
	if flags.configFile != "" {
		opts = append(opts, config.WithConfigFile(flags.configFile))
	}
	cfg, meta, err := config.Load(opts...)
	if err != nil {
		return config.RuntimeConfig{}, fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewComponentLogger("Config")
	if file := meta.File(); file != "" {
		logger.Debug("Loaded config file %s", file)
	}
	for _, warning := range meta.Warnings() {
		fmt.Fprintln(cmd.ErrOrStderr(), yellow("warning: "+warning))
	}
	return cfg, nil
}

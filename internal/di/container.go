// Package di wires the runtime configuration into a running set of
// components: observability, the event bus, tools, the model client, the
// react loop, the task manager and the HTTP server.
package di

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"runcore/internal/config"
	"runcore/internal/eventbus"
	"runcore/internal/jobs"
	"runcore/internal/llm"
	"runcore/internal/logging"
	"runcore/internal/observability"
	"runcore/internal/react"
	httpserver "runcore/internal/server/http"
	"runcore/internal/task"
	"runcore/internal/toolregistry"
	"runcore/internal/tools/builtin"
)

// Container holds all application dependencies.
type Container struct {
	Config   config.RuntimeConfig
	Obs      *observability.Observability
	Bus      *eventbus.Bus
	Registry *toolregistry.Registry
	Runner   *toolregistry.Runner
	Model    llm.Client
	Loop     *react.Loop
	Jobs     *jobs.Factory
	Manager  *task.Manager
	Server   *httpserver.Server

	logger logging.Logger
}

// Options adjusts how the container is built.
type Options struct {
	// Version is reported by /health and the tracer resource.
	Version string
	// Debug puts gin in debug mode.
	Debug bool
}

// BuildContainer builds every component from cfg. cfg is expected to have
// passed config.Load validation.
func BuildContainer(cfg config.RuntimeConfig, opts Options) (*Container, error) {
	if opts.Version != "" {
		cfg.Observability.Tracing.ServiceVersion = opts.Version
	}
	obs, err := observability.New(cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	logger := logging.FromObservabilityWithComponent(obs.Logger, "DI")

	c, err := build(cfg, opts, obs)
	if err != nil {
		_ = obs.Shutdown(context.Background())
		return nil, err
	}
	c.logger = logger
	logger.Info("Container built (provider=%s model=%s tools=%d)", cfg.LLM.Provider, c.Model.Model(), c.Registry.Len())
	return c, nil
}

func build(cfg config.RuntimeConfig, opts Options, obs *observability.Observability) (*Container, error) {
	component := func(name string) logging.Logger {
		return logging.FromObservabilityWithComponent(obs.Logger, name)
	}

	bus := eventbus.New(
		eventbus.WithLogger(component("EventBus")),
		eventbus.WithMetrics(obs.Metrics),
		eventbus.WithMaxPending(cfg.Bus.MaxPending),
		eventbus.WithAnnotator(eventbus.TraceAnnotator()),
	)

	registry, err := buildToolRegistry(cfg.Tools)
	if err != nil {
		return nil, err
	}
	runner := toolregistry.NewRunner(registry, bus,
		toolregistry.WithWorkers(cfg.Tools.Workers),
		toolregistry.WithRunnerLogger(component("ToolRunner")),
		toolregistry.WithRunnerMetrics(obs.Metrics),
		toolregistry.WithRunnerTracer(obs.Tracer),
	)

	model, err := llm.New(cfg.LLM, llm.Dependencies{
		Logger:  component("LLM"),
		Metrics: obs.Metrics,
		Tracer:  obs.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	loop := react.NewLoop(model, runner, bus, react.Config{
		MaxSteps:    cfg.React.MaxSteps,
		LenientJSON: cfg.React.LenientJSON,
		Logger:      component("ReactLoop"),
		Tracer:      obs.Tracer,
	})
	factory := jobs.NewFactory(bus, model, runner, loop, cfg.Demo)
	manager := task.NewManager(bus,
		task.WithRetention(cfg.Tasks.Retention),
		task.WithLogger(component("TaskManager")),
		task.WithMetrics(obs.Metrics),
		task.WithTracer(obs.Tracer),
	)

	server := httpserver.NewServer(httpserver.Config{
		Addr:           cfg.Server.Addr(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Heartbeat:      cfg.Server.Heartbeat,
		Version:        opts.Version,
		Debug:          opts.Debug,
	}, httpserver.Dependencies{
		Manager:  manager,
		Bus:      bus,
		Jobs:     factory,
		Registry: registry,
		Obs:      obs,
		Logger:   component("HTTPServer"),
	})

	return &Container{
		Config:   cfg,
		Obs:      obs,
		Bus:      bus,
		Registry: registry,
		Runner:   runner,
		Model:    model,
		Loop:     loop,
		Jobs:     factory,
		Manager:  manager,
		Server:   server,
	}, nil
}

// buildToolRegistry registers the builtin tools, applying per-tool timeout
// overrides. An override naming no builtin tool is an error.
func buildToolRegistry(cfg config.ToolsConfig) (*toolregistry.Registry, error) {
	specs := builtin.Specs()
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	for name := range cfg.Timeouts {
		if !slices.Contains(names, name) {
			return nil, fmt.Errorf("tools.timeouts: unknown tool %q", name)
		}
	}

	registry := toolregistry.NewRegistry()
	for _, spec := range specs {
		if timeout, ok := cfg.Timeouts[spec.Name]; ok {
			spec.Timeout = timeout
		}
		if err := registry.Register(spec); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", spec.Name, err)
		}
	}
	return registry, nil
}

// Shutdown stops the HTTP server, cancels outstanding runs and flushes
// telemetry, in that order.
func (c *Container) Shutdown(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Server != nil {
		if err := c.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if c.Manager != nil {
		if err := c.Manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("task manager: %w", err))
		}
	}
	if err := c.Obs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("observability: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		logging.OrNop(c.logger).Warn("Shutdown finished with errors: %v", err)
		return err
	}
	logging.OrNop(c.logger).Info("Shutdown complete")
	return nil
}

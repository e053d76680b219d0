package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"runcore/internal/config"
	"runcore/internal/di"
	"runcore/internal/logging"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var (
		host     string
		port     int
		maxSteps int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the runs API over HTTP, SSE and WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var overrides config.Overrides
			if cmd.Flags().Changed("host") {
				overrides.Host = &host
			}
			if cmd.Flags().Changed("port") {
				overrides.Port = &port
			}
			if cmd.Flags().Changed("max-steps") {
				overrides.MaxSteps = &maxSteps
			}
			cfg, err := loadConfig(cmd, flags, overrides)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, flags.debug)
		},
	}
	cmd.Flags().StringVar(&host, "host", config.DefaultHost, "Listen host")
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "Listen port")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Max reason/act steps per react run")
	return cmd
}

// serve runs the HTTP server until ctx is cancelled, then drains the server,
// the running tasks and telemetry within the configured shutdown timeout.
func serve(ctx context.Context, cfg config.RuntimeConfig, debug bool) error {
	container, err := di.BuildContainer(cfg, di.Options{Version: appVersion(), Debug: debug})
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	logger := logging.NewComponentLogger("Main")
	logger.Info("runcore %s: provider=%s addr=%s", appVersion(), cfg.LLM.Provider, cfg.Server.Addr())

	group, gctx := errgroup.WithContext(ctx)
	group.Go(container.Server.ListenAndServe)
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down (timeout %s)", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return container.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

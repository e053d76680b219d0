package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"runcore/internal/config"
	"runcore/internal/di"
	httpserver "runcore/internal/server/http"
	jsonx "runcore/internal/shared/json"
)

func newToolsCommand(flags *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags, config.Overrides{})
			if err != nil {
				return err
			}
			container, err := di.BuildContainer(cfg, di.Options{Version: appVersion()})
			if err != nil {
				return fmt.Errorf("build container: %w", err)
			}
			defer func() { _ = container.Shutdown(cmd.Context()) }()
			return writeTools(cmd.OutOrStdout(), httpserver.ToolCatalog(container.Registry), format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json or yaml")
	return cmd
}

func writeTools(w io.Writer, tools []httpserver.ToolInfo, format string) error {
	switch format {
	case "json":
		enc := jsonx.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tools); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tMODE\tTIMEOUT\tRETRIES\tDESCRIPTION")
		for _, tool := range tools {
			fmt.Fprintf(tw, "%s\t%s\t%dms\t%d\t%s\n", tool.Name, tool.Mode, tool.TimeoutMS, tool.MaxRetries, tool.Description)
		}
		return tw.Flush()
	}
	return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
}

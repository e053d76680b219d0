package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"runcore/internal/observability"
)

func newTraceCommand() *cobra.Command {
	var (
		file    string
		traceID string
		showIDs bool
		last    bool
	)
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print spans from a trace file as a tree",
		Long: `Read spans written by the file trace exporter
(observability.tracing.exporter: file) and print them as an indented tree.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open trace file: %w", err)
			}
			defer f.Close()
			return printTraces(cmd.OutOrStdout(), f, traceID, last, showIDs)
		},
	}
	cmd.Flags().StringVar(&file, "file", observability.DefaultTraceFile, "Trace file (JSON lines)")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "Only print this trace")
	cmd.Flags().BoolVar(&last, "last", false, "Only print the most recently started trace")
	cmd.Flags().BoolVar(&showIDs, "show-ids", false, "Show span and parent ids")
	return cmd
}

func printTraces(w io.Writer, r io.Reader, traceID string, last, showIDs bool) error {
	spans, err := observability.ReadSpans(r, traceID)
	if err != nil {
		return fmt.Errorf("read spans: %w", err)
	}
	if len(spans) == 0 {
		fmt.Fprintln(w, gray("no spans found"))
		return nil
	}

	byTrace := make(map[string][]observability.SpanRecord)
	firstStart := make(map[string]int64)
	for _, span := range spans {
		byTrace[span.TraceID] = append(byTrace[span.TraceID], span)
		if start, ok := firstStart[span.TraceID]; !ok || span.StartTimeNS < start {
			firstStart[span.TraceID] = span.StartTimeNS
		}
	}
	ids := make([]string, 0, len(byTrace))
	for id := range byTrace {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return firstStart[ids[i]] < firstStart[ids[j]] })
	if last {
		ids = ids[len(ids)-1:]
	}

	for i, id := range ids {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, bold("trace "+id))
		if err := observability.WriteSpanTree(w, observability.BuildSpanTree(byTrace[id]), showIDs); err != nil {
			return err
		}
	}
	return nil
}

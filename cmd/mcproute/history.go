package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mcproute/internal/app"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent routing decisions and tool executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			application := app.New(opts.logger)
			report, err := application.History(cmd.Context(), app.HistoryQuery{
				ConfigPath: opts.configPath,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printHistory(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "records to show per section (0 for all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print as JSON")

	return cmd
}

func writeJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printHistory(w io.Writer, report app.HistoryReport) {
	fmt.Fprintf(w, "history=%s\n", report.Path)
	fmt.Fprintf(w, "routes=%d\n", len(report.Routes))
	for _, route := range report.Routes {
		status := "ok"
		if !route.Success {
			status = "fail"
			if route.ErrorCode != "" {
				status = route.ErrorCode
			}
		}
		fmt.Fprintf(w, "%s  %-4s  %-10s  %5dms  %q -> %s\n",
			route.RecordedAt.Local().Format(time.DateTime),
			status,
			route.Path,
			route.DurationMs,
			route.Request,
			strings.Join(route.Registered, ","),
		)
	}
	fmt.Fprintf(w, "executions=%d\n", len(report.Executions))
	for _, exec := range report.Executions {
		status := "ok"
		if !exec.Success {
			status = "fail"
			if exec.ErrorCode != "" {
				status = exec.ErrorCode
			}
		}
		fmt.Fprintf(w, "%s  %-4s  %-8s  %5dms  %s\n",
			exec.RecordedAt.Local().Format(time.DateTime),
			status,
			exec.Kind,
			exec.DurationMs,
			exec.Tool,
		)
	}
}

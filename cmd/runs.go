package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
}

// -- runs status --

var runsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest run of an account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		account, _ := cmd.Flags().GetString("account")

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, err := newTracker(st).Status(ctx, account)
		if err != nil {
			return eris.Wrap(err, "runs status")
		}
		if status == nil {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		return printOutput(cmd.OutOrStdout(), outputFormat(cmd), status, func(w *tabwriter.Writer) {
			formatRunStatus(w, *status)
		})
	},
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		account, _ := cmd.Flags().GetString("account")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := newTracker(st).ListRuns(ctx, store.RunFilter{AccountID: account, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		return printOutput(cmd.OutOrStdout(), outputFormat(cmd), runs, func(w *tabwriter.Writer) {
			formatRunsList(w, runs)
		})
	},
}

func init() {
	runsStatusCmd.Flags().String("account", "", "account ID")
	_ = runsStatusCmd.MarkFlagRequired("account")

	runsListCmd.Flags().String("account", "", "filter by account ID")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsListCmd)
	rootCmd.AddCommand(runsCmd)
}

func formatRunStatus(w *tabwriter.Writer, s model.RunStatus) {
	state := "finished"
	if s.IsRunning {
		state = "running"
	}
	fmt.Fprintf(w, "Run:\t%s\n", s.RunID)
	fmt.Fprintf(w, "State:\t%s\n", state)
	fmt.Fprintf(w, "Step:\t%s\n", s.CurrentStep)
	fmt.Fprintf(w, "Progress:\t%d/%d\n", s.Progress.Current, s.Progress.Total)
	fmt.Fprintf(w, "Started:\t%s\n", fmtTime(s.StartedAt))
	fmt.Fprintf(w, "Completed:\t%s\n", fmtTimePtr(s.CompletedAt))
	if s.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", s.Error)
	}
}

func formatRunsList(w *tabwriter.Writer, runs []model.PipelineRun) {
	fmt.Fprintln(w, "ID\tACCOUNT\tRUNNING\tSTEP\tPROGRESS\tSTARTED\tDURATION\tERROR")
	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(1e9).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d/%d\t%s\t%s\t%s\n",
			shortID(r.ID), shortID(r.AccountID), r.IsRunning, r.CurrentStep,
			r.ProgressCurrent, r.ProgressTotal, fmtTime(r.StartedAt), dur, truncate(r.Error, 60))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

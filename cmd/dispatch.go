package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver pending alerts to subscribers",
	Long:  "Runs one dispatcher cycle. Deliveries that fail stay unsent and are retried by the next invocation.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sum, err := newDispatcher(st).RunOnce(ctx)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), outputFormat(cmd), sum, func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "ALERTS\tCLOSED\tSENT\tSUPPRESSED\tFAILED\tSKIPPED")
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\n", sum.Alerts, sum.Closed, sum.Sent, sum.Suppressed, sum.Failed, sum.Skipped)
		})
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}

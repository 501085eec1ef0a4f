package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/store"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Inspect triggered alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an account's alerts, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		account, _ := cmd.Flags().GetString("account")
		property, _ := cmd.Flags().GetString("property")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := store.AlertFilter{AccountID: account, PropertyID: property, Limit: limit}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}
		alerts, err := st.ListAlerts(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "alerts list")
		}
		if len(alerts) == 0 {
			fmt.Fprintln(os.Stderr, "No alerts found.")
			return nil
		}
		return printOutput(cmd.OutOrStdout(), outputFormat(cmd), alerts, func(w *tabwriter.Writer) {
			formatAlertsList(w, alerts)
		})
	},
}

func init() {
	alertsListCmd.Flags().String("account", "", "account ID")
	_ = alertsListCmd.MarkFlagRequired("account")
	alertsListCmd.Flags().String("property", "", "filter by property ID")
	alertsListCmd.Flags().Duration("since", 0, "only alerts triggered within this window (e.g. 168h)")
	alertsListCmd.Flags().Int("limit", 50, "max number of alerts to display")

	alertsCmd.AddCommand(alertsListCmd)
	rootCmd.AddCommand(alertsCmd)
}

func formatAlertsList(w *tabwriter.Writer, alerts []model.Alert) {
	fmt.Fprintln(w, "ID\tPROPERTY\tTYPE\tPREV\tLAST\tDELTA\tTRIGGERED\tCLOSED")
	for _, a := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%.0f\t%+.1f%%\t%s\t%t\n",
			shortID(a.ID), shortID(a.PropertyID), a.AlertType,
			a.PrevWindowValue, a.LastWindowValue, a.DeltaPct, fmtTime(a.TriggeredAt), a.EmailSent)
	}
}

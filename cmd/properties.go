package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/report"
)

var propertiesCmd = &cobra.Command{
	Use:   "properties",
	Short: "Inspect monitored properties and their visibility",
}

// -- properties list --

var propertiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an account's properties grouped by base domain",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		account, _ := cmd.Flags().GetString("account")

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sites, err := newReporter(st).Websites(ctx, account)
		if err != nil {
			return eris.Wrap(err, "properties list")
		}
		if len(sites) == 0 {
			fmt.Fprintln(os.Stderr, "No properties found. Run the pipeline to sync them.")
			return nil
		}
		return printOutput(cmd.OutOrStdout(), outputFormat(cmd), sites, func(w *tabwriter.Writer) {
			formatWebsites(w, sites)
		})
	},
}

// -- properties overview --

var propertiesOverviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Compare a property's last two windows of site metrics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		account, _ := cmd.Flags().GetString("account")
		property, _ := cmd.Flags().GetString("property")

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ov, err := newReporter(st).Overview(ctx, account, property)
		if err != nil {
			return eris.Wrap(err, "properties overview")
		}
		return printOutput(cmd.OutOrStdout(), outputFormat(cmd), ov, func(w *tabwriter.Writer) {
			formatOverview(w, *ov)
		})
	},
}

// -- properties dashboard --

var propertiesDashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show the health of every property with data",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		account, _ := cmd.Flags().GetString("account")

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		acct, err := st.GetAccount(ctx, account)
		if err != nil {
			return eris.Wrap(err, "properties dashboard")
		}
		dash, err := newReporter(st).Dashboard(ctx, acct)
		if err != nil {
			return eris.Wrap(err, "properties dashboard")
		}
		if dash.Status == report.DashboardNotInitialized {
			fmt.Fprintln(os.Stderr, "No completed run yet. Run the pipeline to sync the account.")
			return nil
		}
		return printOutput(cmd.OutOrStdout(), outputFormat(cmd), dash, func(w *tabwriter.Writer) {
			formatDashboard(w, *dash)
		})
	},
}

// -- properties pages / devices --

func visibilityCmd(dim model.Source, use, short string) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			account, _ := cmd.Flags().GetString("account")
			property, _ := cmd.Flags().GetString("property")

			st, err := openStore(ctx, "store")
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			v, err := newReporter(st).Visibility(ctx, account, property, dim)
			if err != nil {
				return eris.Wrapf(err, "properties %s", use)
			}
			if len(v.Changes) == 0 {
				fmt.Fprintln(os.Stderr, "No visibility changes recorded.")
				return nil
			}
			return printOutput(cmd.OutOrStdout(), outputFormat(cmd), v, func(w *tabwriter.Writer) {
				formatVisibility(w, *v)
			})
		},
	}
	c.Flags().String("account", "", "account ID")
	c.Flags().String("property", "", "property ID")
	_ = c.MarkFlagRequired("account")
	_ = c.MarkFlagRequired("property")
	return c
}

func init() {
	propertiesListCmd.Flags().String("account", "", "account ID")
	_ = propertiesListCmd.MarkFlagRequired("account")

	propertiesOverviewCmd.Flags().String("account", "", "account ID")
	propertiesOverviewCmd.Flags().String("property", "", "property ID")
	_ = propertiesOverviewCmd.MarkFlagRequired("account")
	_ = propertiesOverviewCmd.MarkFlagRequired("property")

	propertiesDashboardCmd.Flags().String("account", "", "account ID")
	_ = propertiesDashboardCmd.MarkFlagRequired("account")

	propertiesCmd.AddCommand(propertiesListCmd)
	propertiesCmd.AddCommand(propertiesOverviewCmd)
	propertiesCmd.AddCommand(propertiesDashboardCmd)
	propertiesCmd.AddCommand(visibilityCmd(model.SourcePage, "pages", "List page visibility changes of a property"))
	propertiesCmd.AddCommand(visibilityCmd(model.SourceDevice, "devices", "List device visibility changes of a property"))
	rootCmd.AddCommand(propertiesCmd)
}

func formatWebsites(w *tabwriter.Writer, sites []report.Website) {
	fmt.Fprintln(w, "DOMAIN\tPROPERTY ID\tSITE\tPERMISSION")
	for _, s := range sites {
		for _, p := range s.Properties {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.BaseDomain, p.ID, p.SiteURL, p.PermissionLevel)
		}
	}
}

func formatOverview(w *tabwriter.Writer, ov report.Overview) {
	fmt.Fprintf(w, "Property:\t%s\n", ov.SiteURL)
	if !ov.Initialized {
		fmt.Fprintln(w, "Data:\tnone ingested yet")
		return
	}
	fmt.Fprintf(w, "Data through:\t%s\n", ov.DataThrough.Format(model.DateLayout))
	fmt.Fprintln(w, "\tLAST\tPREV\tDELTA")
	fmt.Fprintf(w, "Clicks\t%d\t%d\t%+.1f%%\n", ov.Last.Clicks, ov.Prev.Clicks, ov.Deltas.ClicksPct)
	fmt.Fprintf(w, "Impressions\t%d\t%d\t%+.1f%%\n", ov.Last.Impressions, ov.Prev.Impressions, ov.Deltas.ImpressionsPct)
	fmt.Fprintf(w, "CTR\t%.2f%%\t%.2f%%\t%+.1f%%\n", ov.Last.CTR*100, ov.Prev.CTR*100, ov.Deltas.CTRPct)
	fmt.Fprintf(w, "Position\t%.2f\t%.2f\t%+.2f\n", ov.Last.Position, ov.Prev.Position, ov.Deltas.Position)
}

func formatDashboard(w *tabwriter.Writer, d report.Dashboard) {
	fmt.Fprintln(w, "DOMAIN\tSITE\tSTATUS\tIMPRESSIONS\tCLICKS\tDATA THROUGH")
	for _, site := range d.Websites {
		for _, p := range site.Properties {
			fmt.Fprintf(w, "%s\t%s\t%s\t%+.1f%%\t%+.1f%%\t%s\n",
				site.BaseDomain, p.SiteURL, p.Status, p.ImpressionsPct, p.ClicksPct, p.DataThrough.Format(model.DateLayout))
		}
	}
}

func formatVisibility(w *tabwriter.Writer, v report.Visibility) {
	fmt.Fprintln(w, "CATEGORY\tKEY\tPREV\tLAST\tDELTA")
	for _, c := range v.Changes {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%+.1f%%\n",
			c.Category, truncate(c.Key, 80), c.PrevImpressions, c.LastImpressions, c.DeltaPct)
	}
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/gsc-radar/internal/pipeline"
)

var runAccount string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for one account or every account",
	Long: "Runs ingest, analysis and alert detection. Without --account every account is run " +
		"with at most scheduler.max_workers in flight. Exit status is 0 when every run succeeded, " +
		"1 when any failed and 2 when some were skipped as already running.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, "run")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ids := []string{runAccount}
		if runAccount == "" {
			accounts, err := st.ListAccounts(ctx)
			if err != nil {
				return eris.Wrap(err, "run: list accounts")
			}
			ids = ids[:0]
			for _, a := range accounts {
				ids = append(ids, a.ID)
			}
		}

		tr := newTracker(st)
		sum := pipeline.RunAll(ctx, newRunner(st, tr), tr, ids, cfg.Scheduler.MaxWorkers)

		// Runs cut short by a signal are closed before the store goes away.
		if err := tr.Shutdown(cmd.Context()); err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "accounts: %d  succeeded: %d  skipped: %d  failed: %d\n",
			sum.Total, sum.Succeeded, sum.Skipped, sum.Failed)
		if code := sum.ExitCode(); code != 0 {
			return &exitCodeError{code: code}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runAccount, "account", "", "account ID (default: every account)")
	rootCmd.AddCommand(runCmd)
}

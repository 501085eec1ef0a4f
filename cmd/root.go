package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/gsc-radar/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "gsc-radar",
	Short: "Search Console drop detection and alerting",
	Long:  "Ingests daily Google Search Console metrics per account, detects impression drops and emails deduplicated alerts to subscribers.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

// exitCodeError carries a non-zero process exit status without an error
// message of its own.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return 1
}

func main() {
	err := rootCmd.Execute()
	_ = zap.L().Sync()
	os.Exit(exitCode(err))
}

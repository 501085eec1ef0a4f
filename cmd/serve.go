package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/gsc-radar/internal/api"
	"github.com/sells-group/gsc-radar/internal/pipeline"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and execute requested runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tr := newTracker(st)
		sched := pipeline.NewScheduler(ctx, newRunner(st, tr), tr, cfg.Scheduler.MaxWorkers)
		server := api.NewServer(st, sched, tr, api.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			HalfWindowDays: cfg.Ingest.AnalysisWindowDays / 2,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: server.Handler(),
		}

		errc := make(chan error, 1)
		go func() {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- eris.Wrap(err, "server listen")
			}
			close(errc)
		}()

		select {
		case <-ctx.Done():
		case err := <-errc:
			if err != nil {
				return err
			}
		}

		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}

		// Runs still owned by this process are closed while the store is open.
		if err := tr.Shutdown(shutdownCtx); err != nil {
			zap.L().Error("marking runs interrupted", zap.Error(err))
		}
		sched.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

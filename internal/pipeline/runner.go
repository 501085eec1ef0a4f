// Package pipeline runs one account end to end (auth, property sync,
// ingest, analysis, detection) and schedules runs on a bounded pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gsc-radar/internal/alert"
	"github.com/sells-group/gsc-radar/internal/analysis"
	"github.com/sells-group/gsc-radar/internal/ingest"
	"github.com/sells-group/gsc-radar/internal/metrics"
	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/store"
	"github.com/sells-group/gsc-radar/internal/tracker"
	"github.com/sells-group/gsc-radar/pkg/searchconsole"
)

// ClientFactory returns an authenticated Search Console client.
type ClientFactory interface {
	ForAccount(ctx context.Context, accountID string) (searchconsole.API, error)
}

// Store is the persistence the runner touches directly.
type Store interface {
	UpsertProperties(ctx context.Context, accountID string, props []model.Property) ([]model.Property, error)
	MarkAccountInitialized(ctx context.Context, id string) error
}

var _ Store = (store.Store)(nil)

// Runner executes the phases of one run.
type Runner struct {
	store              Store
	tracker            *tracker.Tracker
	clients            ClientFactory
	ingest             *ingest.Orchestrator
	analysis           *analysis.Stage
	detector           *alert.Detector
	allowedPermissions []string
}

// NewRunner wires a Runner. Sites whose permission level is not in
// allowedPermissions are not monitored.
func NewRunner(
	st Store,
	tr *tracker.Tracker,
	clients ClientFactory,
	ing *ingest.Orchestrator,
	stage *analysis.Stage,
	det *alert.Detector,
	allowedPermissions []string,
) *Runner {
	return &Runner{
		store:              st,
		tracker:            tr,
		clients:            clients,
		ingest:             ing,
		analysis:           stage,
		detector:           det,
		allowedPermissions: allowedPermissions,
	}
}

// Run executes an already started run. It returns the metrics outcome. A
// bail-out returns OutcomeCancelled with no error and writes nothing to the
// run. Any other failure marks the run failed and is returned. A panic marks
// the run failed and is re-raised.
func (r *Runner) Run(ctx context.Context, accountID, runID string) (outcome string, err error) {
	log := zap.L().With(zap.String("account_id", accountID), zap.String("run_id", runID))
	start := time.Now()
	log.Info("pipeline: run starting")

	defer func() {
		if p := recover(); p != nil {
			r.fail(ctx, log, accountID, runID, fmt.Sprintf("Unexpected error: %v", p))
			observe(metrics.OutcomeFailed, start)
			panic(p)
		}
		observe(outcome, start)
	}()

	live := r.tracker.Liveness(accountID, runID)
	phase := func(boundary, step string) (bool, error) {
		ok, err := live.Continue(ctx, boundary)
		if err != nil || !ok {
			return ok, err
		}
		return true, r.tracker.SetStep(ctx, accountID, runID, step)
	}

	failed := func(err error) (string, error) {
		r.fail(ctx, log, accountID, runID, failureMessage(err))
		return metrics.OutcomeFailed, err
	}

	// Auth.
	if ok, err := phase("auth", model.StepAuthenticating); err != nil || !ok {
		return cancelledOr(err, failed)
	}
	api, err := r.clients.ForAccount(ctx, accountID)
	if err != nil {
		return failed(err)
	}

	// Property sync.
	if ok, err := phase("property_sync", model.StepSyncProperties); err != nil || !ok {
		return cancelledOr(err, failed)
	}
	props, err := r.syncProperties(ctx, accountID, api)
	if err != nil {
		return failed(err)
	}
	log.Info("pipeline: properties synced", zap.Int("count", len(props)))

	// Ingest.
	if ok, err := live.Continue(ctx, "ingest"); err != nil || !ok {
		return cancelledOr(err, failed)
	}
	res, err := r.ingest.Run(ctx, accountID, runID, api, props, live)
	if err != nil {
		return failed(err)
	}
	if res.Cancelled {
		return metrics.OutcomeCancelled, nil
	}
	log.Info("pipeline: phase complete",
		zap.String("phase", "ingest"),
		zap.Int("safe", len(res.Safe)),
		zap.Int("failed", res.Failed),
	)

	// Analysis.
	if ok, err := phase("analysis", model.StepAnalysis); err != nil || !ok {
		return cancelledOr(err, failed)
	}
	if _, err := r.analysis.Run(ctx, accountID, res.Safe); err != nil {
		return failed(err)
	}

	// Detection.
	if ok, err := phase("detection", model.StepDetection); err != nil || !ok {
		return cancelledOr(err, failed)
	}
	evs, err := r.detector.Detect(ctx, accountID, res.Safe)
	if err != nil {
		return failed(err)
	}
	triggered := 0
	for _, ev := range evs {
		if ev.Alert != nil {
			triggered++
		}
	}

	// Completion.
	final, outcome := model.StepFinished, metrics.OutcomeSucceeded
	if len(res.Safe) == 0 {
		final, outcome = model.StepFinishedEmpty, metrics.OutcomeEmpty
	}
	wctx := context.WithoutCancel(ctx)
	if err := r.tracker.Complete(wctx, accountID, runID, final); err != nil {
		return failed(err)
	}
	if err := r.store.MarkAccountInitialized(wctx, accountID); err != nil {
		log.Warn("pipeline: mark account initialized failed", zap.Error(err))
	}

	log.Info("pipeline: run finished",
		zap.String("outcome", outcome),
		zap.Int("properties", len(props)),
		zap.Int("alerts", triggered),
		zap.Duration("elapsed", time.Since(start)),
	)
	return outcome, nil
}

// syncProperties lists the account's sites and upserts the ones with an
// allowed permission level.
func (r *Runner) syncProperties(ctx context.Context, accountID string, api searchconsole.API) ([]model.Property, error) {
	sites, err := api.ListSites(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list sites")
	}

	var props []model.Property
	for _, s := range sites {
		if !slices.Contains(r.allowedPermissions, s.PermissionLevel) {
			continue
		}
		props = append(props, model.Property{
			AccountID:       accountID,
			SiteURL:         s.URL,
			BaseDomain:      searchconsole.BaseDomain(s.URL),
			PermissionLevel: s.PermissionLevel,
		})
	}
	if len(props) == 0 {
		return nil, nil
	}

	stored, err := r.store.UpsertProperties(ctx, accountID, props)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: upsert properties")
	}
	return stored, nil
}

func (r *Runner) fail(ctx context.Context, log *zap.Logger, accountID, runID, msg string) {
	log.Error("pipeline: run failed", zap.String("error", msg))
	if err := r.tracker.Fail(context.WithoutCancel(ctx), accountID, runID, msg); err != nil {
		log.Error("pipeline: recording failure", zap.Error(err))
	}
}

func cancelledOr(err error, failed func(error) (string, error)) (string, error) {
	if err != nil {
		return failed(err)
	}
	return metrics.OutcomeCancelled, nil
}

func failureMessage(err error) string {
	if errors.Is(err, searchconsole.ErrAuth) {
		return "Google authentication failed; reconnect the account: " + err.Error()
	}
	return err.Error()
}

func observe(outcome string, start time.Time) {
	if outcome == "" {
		return
	}
	metrics.RunsTotal.WithLabelValues(outcome).Inc()
	metrics.RunDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

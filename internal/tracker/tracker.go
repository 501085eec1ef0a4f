// Package tracker owns the lifecycle of pipeline runs: the single-flight
// start, guarded updates that double as heartbeats, lazy reaping of dead
// runs and the liveness check used for cooperative cancellation.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gsc-radar/internal/metrics"
	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/store"
)

// ErrAlreadyRunning is returned by Start when the account has a live run.
var ErrAlreadyRunning = store.ErrAlreadyRunning

// InterruptedMsg is the error recorded on runs closed by Shutdown.
const InterruptedMsg = "Run interrupted: process shut down before completion"

// Config bounds run liveness.
type Config struct {
	HeartbeatTimeout time.Duration
	HardTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 20 * time.Minute
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = 2 * time.Hour
	}
	return c
}

// Tracker implements the run lock and state machine on top of a RunStore.
type Tracker struct {
	runs     store.RunStore
	cfg      Config
	registry *Registry
	now      func() time.Time
}

// New creates a Tracker. A nil registry gets a fresh one.
func New(runs store.RunStore, cfg Config, registry *Registry) *Tracker {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Tracker{runs: runs, cfg: cfg.withDefaults(), registry: registry, now: time.Now}
}

// Registry returns the process-local run registry.
func (t *Tracker) Registry() *Registry { return t.registry }

func (t *Tracker) clock() time.Time { return t.now().UTC() }

// Reap terminates the account's active run when its heartbeat is older than
// the heartbeat timeout or its age exceeds the hard timeout.
func (t *Tracker) Reap(ctx context.Context, accountID string) (int64, error) {
	now := t.clock()
	n, err := t.runs.ReapRuns(ctx, accountID, store.ReapParams{
		Now:             now,
		HeartbeatCutoff: now.Add(-t.cfg.HeartbeatTimeout),
		HardCutoff:      now.Add(-t.cfg.HardTimeout),
		StaleMsg:        fmt.Sprintf("Run terminated: no heartbeat for %s (worker presumed crashed)", t.cfg.HeartbeatTimeout),
		HardMsg:         fmt.Sprintf("Run terminated: exceeded hard timeout of %s", t.cfg.HardTimeout),
	})
	if err != nil {
		return 0, eris.Wrap(err, "tracker: reap")
	}
	if n > 0 {
		metrics.RunsReaped.Add(float64(n))
		zap.L().Warn("tracker: reaped dead run",
			zap.String("account_id", accountID),
			zap.Int64("count", n),
		)
	}
	return n, nil
}

// Start reaps dead runs, then inserts a new active run. It returns
// ErrAlreadyRunning when a live run exists for the account.
func (t *Tracker) Start(ctx context.Context, accountID string) (string, error) {
	if _, err := t.Reap(ctx, accountID); err != nil {
		return "", err
	}

	now := t.clock()
	run := &model.PipelineRun{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		IsRunning:   true,
		CurrentStep: model.StepQueued,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.runs.InsertRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrAlreadyRunning) {
			return "", ErrAlreadyRunning
		}
		return "", eris.Wrapf(err, "tracker: start run for %s", accountID)
	}

	t.registry.Add(run.ID, accountID)
	zap.L().Info("tracker: run started",
		zap.String("account_id", accountID),
		zap.String("run_id", run.ID),
	)
	return run.ID, nil
}

// Update applies a guarded write to an active run and bumps its heartbeat.
// A write to a run that is no longer active is logged and ignored.
func (t *Tracker) Update(ctx context.Context, accountID, runID string, u model.RunUpdate) error {
	ok, err := t.runs.UpdateRun(ctx, accountID, runID, u, t.clock())
	if err != nil {
		return eris.Wrapf(err, "tracker: update run %s", runID)
	}
	if !ok {
		metrics.StaleUpdates.Inc()
		zap.L().Warn("tracker: update matched no active run",
			zap.String("account_id", accountID),
			zap.String("run_id", runID),
		)
	}
	if u.Finish {
		t.registry.Remove(runID)
	}
	return nil
}

// SetStep records the current step label.
func (t *Tracker) SetStep(ctx context.Context, accountID, runID, step string) error {
	return t.Update(ctx, accountID, runID, model.StepUpdate(step))
}

// SetProgress records the step label and progress counters.
func (t *Tracker) SetProgress(ctx context.Context, accountID, runID, step string, current, total int) error {
	return t.Update(ctx, accountID, runID, model.ProgressUpdate(step, current, total))
}

// Complete closes the run successfully with a final step label.
func (t *Tracker) Complete(ctx context.Context, accountID, runID, step string) error {
	return t.Update(ctx, accountID, runID, model.RunUpdate{Step: &step, Finish: true})
}

// Fail closes the run with an error message.
func (t *Tracker) Fail(ctx context.Context, accountID, runID, msg string) error {
	step := model.StepFailed
	return t.Update(ctx, accountID, runID, model.RunUpdate{Step: &step, Error: &msg, Finish: true})
}

// IsActive reaps first so an expired run reads as inactive, then reports
// whether the run is still marked running.
func (t *Tracker) IsActive(ctx context.Context, accountID, runID string) (bool, error) {
	if _, err := t.Reap(ctx, accountID); err != nil {
		return false, err
	}
	run, err := t.runs.GetRun(ctx, accountID, runID)
	if errors.Is(err, store.ErrNotFound) {
		t.registry.Remove(runID)
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "tracker: read run %s", runID)
	}
	if !run.IsRunning {
		t.registry.Remove(runID)
	}
	return run.IsRunning, nil
}

// Status returns the read model of the account's latest run, or nil when the
// account has never run. Dead runs are reaped before the read.
func (t *Tracker) Status(ctx context.Context, accountID string) (*model.RunStatus, error) {
	if _, err := t.Reap(ctx, accountID); err != nil {
		return nil, err
	}
	run, err := t.runs.LatestRun(ctx, accountID)
	if err != nil {
		return nil, eris.Wrapf(err, "tracker: latest run for %s", accountID)
	}
	if run == nil {
		return nil, nil
	}
	st := run.Status()
	return &st, nil
}

// ListRuns lists run history after reaping dead runs. Without an account
// filter, every account that still shows a running row is reaped and the
// list is read again.
func (t *Tracker) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error) {
	if filter.AccountID != "" {
		if _, err := t.Reap(ctx, filter.AccountID); err != nil {
			return nil, err
		}
	}
	runs, err := t.runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "tracker: list runs")
	}
	if filter.AccountID != "" {
		return runs, nil
	}

	var reaped int64
	seen := make(map[string]bool)
	for _, r := range runs {
		if !r.IsRunning || seen[r.AccountID] {
			continue
		}
		seen[r.AccountID] = true
		n, err := t.Reap(ctx, r.AccountID)
		if err != nil {
			return nil, err
		}
		reaped += n
	}
	if reaped == 0 {
		return runs, nil
	}
	runs, err = t.runs.ListRuns(ctx, filter)
	return runs, eris.Wrap(err, "tracker: list runs")
}

// Shutdown closes every run this process still owns.
func (t *Tracker) Shutdown(ctx context.Context) error {
	ids := t.registry.RunIDs()
	if len(ids) == 0 {
		return nil
	}
	n, err := t.runs.MarkRunsInterrupted(ctx, ids, InterruptedMsg, t.clock())
	if err != nil {
		return eris.Wrap(err, "tracker: shutdown")
	}
	for _, id := range ids {
		t.registry.Remove(id)
	}
	zap.L().Warn("tracker: marked runs interrupted",
		zap.Int("registered", len(ids)),
		zap.Int64("closed", n),
	)
	return nil
}

// Liveness returns a cancellation check bound to one run.
func (t *Tracker) Liveness(accountID, runID string) *Liveness {
	return &Liveness{tracker: t, accountID: accountID, runID: runID}
}

// Liveness is the read-only check called at phase and property
// boundaries.
type Liveness struct {
	tracker   *Tracker
	accountID string
	runID     string
}

// Continue reports whether work may proceed past boundary. When the run is no
// longer active it logs the bail-out and returns false; the caller exits
// without writing to the run.
func (p *Liveness) Continue(ctx context.Context, boundary string) (bool, error) {
	active, err := p.tracker.IsActive(ctx, p.accountID, p.runID)
	if err != nil {
		return false, err
	}
	if !active {
		zap.L().Warn("tracker: bailing out, run is no longer active",
			zap.String("account_id", p.accountID),
			zap.String("run_id", p.runID),
			zap.String("boundary", boundary),
		)
	}
	return active, nil
}

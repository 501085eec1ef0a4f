package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/gsc-radar/internal/metrics"
	"github.com/sells-group/gsc-radar/internal/tracker"
)

// Summary tallies a batch of account runs.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// ExitCode is 1 when any run failed, 2 when none failed but some were
// skipped as already running, and 0 otherwise.
func (s Summary) ExitCode() int {
	switch {
	case s.Failed > 0:
		return 1
	case s.Skipped > 0:
		return 2
	default:
		return 0
	}
}

// Scheduler runs submitted accounts on a bounded worker pool.
type Scheduler struct {
	runner  *Runner
	tracker *tracker.Tracker
	sem     *semaphore.Weighted
	ctx     context.Context
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler whose runs live until ctx is done.
func NewScheduler(ctx context.Context, runner *Runner, tr *tracker.Tracker, maxWorkers int) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Scheduler{
		runner:  runner,
		tracker: tr,
		sem:     semaphore.NewWeighted(int64(maxWorkers)),
		ctx:     ctx,
	}
}

// Submit starts a run for the account and queues it. It returns
// tracker.ErrAlreadyRunning synchronously when the account is busy.
func (s *Scheduler) Submit(accountID string) (string, error) {
	runID, err := s.tracker.Start(s.ctx, accountID)
	if err != nil {
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log := zap.L().With(zap.String("account_id", accountID), zap.String("run_id", runID))

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			log.Warn("pipeline: queued run abandoned", zap.Error(err))
			return
		}
		defer s.sem.Release(1)

		// A run that waited past the heartbeat timeout has been reaped.
		active, err := s.tracker.IsActive(s.ctx, accountID, runID)
		if err != nil {
			log.Error("pipeline: liveness check failed", zap.Error(err))
			return
		}
		if !active {
			log.Warn("pipeline: queued run no longer active, skipping")
			return
		}

		if _, err := s.runner.Run(s.ctx, accountID, runID); err != nil {
			log.Error("pipeline: run failed", zap.Error(err))
		}
	}()
	return runID, nil
}

// Wait blocks until every submitted run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunAll runs every account with at most maxWorkers in flight and tallies
// the outcomes. It is the cron entry point.
func RunAll(ctx context.Context, runner *Runner, tr *tracker.Tracker, accountIDs []string, maxWorkers int) Summary {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	var mu sync.Mutex
	sum := Summary{Total: len(accountIDs)}
	tally := func(f func(*Summary)) {
		mu.Lock()
		f(&sum)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(maxWorkers)
	for _, id := range accountIDs {
		g.Go(func() error {
			log := zap.L().With(zap.String("account_id", id))
			runID, err := tr.Start(ctx, id)
			if errors.Is(err, tracker.ErrAlreadyRunning) {
				metrics.RunsTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
				log.Info("pipeline: account already running, skipped")
				tally(func(s *Summary) { s.Skipped++ })
				return nil
			}
			if err != nil {
				log.Error("pipeline: start failed", zap.Error(err))
				tally(func(s *Summary) { s.Failed++ })
				return nil
			}

			outcome, err := runner.Run(ctx, id, runID)
			switch {
			case err != nil:
				tally(func(s *Summary) { s.Failed++ })
			case outcome == metrics.OutcomeCancelled:
				log.Warn("pipeline: run cancelled before completion")
				tally(func(s *Summary) { s.Failed++ })
			default:
				tally(func(s *Summary) { s.Succeeded++ })
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("pipeline: batch complete",
		zap.Int("total", sum.Total),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
	)
	return sum
}

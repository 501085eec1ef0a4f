package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestTracker(t *testing.T) (*Tracker, *store.SQLiteStore, *fakeClock, string) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	acct, err := st.CreateAccount(context.Background(), "owner@example.com")
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	tr := New(st, Config{HeartbeatTimeout: 20 * time.Minute, HardTimeout: 2 * time.Hour}, nil)
	tr.now = clock.Now
	return tr, st, clock, acct.ID
}

func TestStart_SecondStartIsRejected(t *testing.T) {
	tr, _, _, acct := newTestTracker(t)
	ctx := context.Background()

	runID, err := tr.Start(ctx, acct)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	assert.True(t, tr.Registry().Has(runID))

	_, err = tr.Start(ctx, acct)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStart_ConcurrentStartsYieldOneRun(t *testing.T) {
	tr, _, _, acct := newTestTracker(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Start(ctx, acct)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var started, rejected int
	for err := range results {
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyRunning):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, n-1, rejected)
	assert.Equal(t, 1, tr.Registry().Len())
}

func TestIsActive_ReapsStaleHeartbeat(t *testing.T) {
	tr, _, clock, acct := newTestTracker(t)
	ctx := context.Background()

	runID, err := tr.Start(ctx, acct)
	require.NoError(t, err)

	clock.Advance(21 * time.Minute)
	active, err := tr.IsActive(ctx, acct, runID)
	require.NoError(t, err)
	assert.False(t, active)
	assert.False(t, tr.Registry().Has(runID))

	st, err := tr.Status(ctx, acct)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.False(t, st.IsRunning)
	assert.Contains(t, st.Error, "no heartbeat")
	require.NotNil(t, st.CompletedAt)

	// The account is free again.
	_, err = tr.Start(ctx, acct)
	require.NoError(t, err)
}

func TestIsActive_HardTimeoutDespiteHeartbeats(t *testing.T) {
	tr, _, clock, acct := newTestTracker(t)
	ctx := context.Background()

	runID, err := tr.Start(ctx, acct)
	require.NoError(t, err)

	for range 12 {
		clock.Advance(10 * time.Minute)
		require.NoError(t, tr.SetStep(ctx, acct, runID, model.StepAnalysis))
	}
	clock.Advance(2 * time.Minute)

	active, err := tr.IsActive(ctx, acct, runID)
	require.NoError(t, err)
	assert.False(t, active)

	st, err := tr.Status(ctx, acct)
	require.NoError(t, err)
	assert.Contains(t, st.Error, "hard timeout")
}

func TestStart_ReapsBeforeInsert(t *testing.T) {
	tr, _, clock, acct := newTestTracker(t)
	ctx := context.Background()

	first, err := tr.Start(ctx, acct)
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)

	second, err := tr.Start(ctx, acct)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestUpdate_AfterFinishIsNoOp(t *testing.T) {
	tr, st, clock, acct := newTestTracker(t)
	ctx := context.Background()

	runID, err := tr.Start(ctx, acct)
	require.NoError(t, err)
	require.NoError(t, tr.SetProgress(ctx, acct, runID, "Processing [1/2]: https://example.com/", 1, 2))
	require.NoError(t, tr.Complete(ctx, acct, runID, model.StepFinished))
	assert.False(t, tr.Registry().Has(runID))

	clock.Advance(time.Minute)
	require.NoError(t, tr.Fail(ctx, acct, runID, "late failure"))
	require.NoError(t, tr.SetStep(ctx, acct, runID, model.StepDetection))

	run, err := st.GetRun(ctx, acct, runID)
	require.NoError(t, err)
	assert.False(t, run.IsRunning)
	assert.Equal(t, model.StepFinished, run.CurrentStep)
	assert.Empty(t, run.Error)
	assert.Equal(t, 1, run.ProgressCurrent)
	assert.Equal(t, 2, run.ProgressTotal)
}

func TestStatus_NoRuns(t *testing.T) {
	tr, _, _, acct := newTestTracker(t)

	st, err := tr.Status(context.Background(), acct)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestStatus_Projection(t *testing.T) {
	tr, _, _, acct := newTestTracker(t)
	ctx := context.Background()

	runID, err := tr.Start(ctx, acct)
	require.NoError(t, err)
	require.NoError(t, tr.SetProgress(ctx, acct, runID, "Processing [2/5]: sc-domain:example.com", 2, 5))

	st, err := tr.Status(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, runID, st.RunID)
	assert.True(t, st.IsRunning)
	assert.Equal(t, model.RunProgress{Current: 2, Total: 5}, st.Progress)
	assert.Nil(t, st.CompletedAt)
}

func TestListRuns_ReapsStaleRunBeforeListing(t *testing.T) {
	tr, _, clock, acct := newTestTracker(t)
	ctx := context.Background()

	runID, err := tr.Start(ctx, acct)
	require.NoError(t, err)
	clock.Advance(21 * time.Minute)

	runs, err := tr.ListRuns(ctx, store.RunFilter{AccountID: acct})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.False(t, runs[0].IsRunning)
	assert.Contains(t, runs[0].Error, "no heartbeat")
}

func TestListRuns_UnfilteredReapsEveryRunningAccount(t *testing.T) {
	tr, st, clock, acct := newTestTracker(t)
	ctx := context.Background()
	other, err := st.CreateAccount(ctx, "other@example.com")
	require.NoError(t, err)

	_, err = tr.Start(ctx, acct)
	require.NoError(t, err)
	_, err = tr.Start(ctx, other.ID)
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)

	runs, err := tr.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.False(t, r.IsRunning, r.AccountID)
		assert.NotNil(t, r.CompletedAt)
	}
}

func TestLiveness_StopsAfterExternalTermination(t *testing.T) {
	tr, st, clock, acct := newTestTracker(t)
	ctx := context.Background()

	runID, err := tr.Start(ctx, acct)
	require.NoError(t, err)
	live := tr.Liveness(acct, runID)

	ok, err := live.Continue(ctx, "ingestion")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = st.MarkRunsInterrupted(ctx, []string{runID}, "stopped", clock.Now())
	require.NoError(t, err)

	ok, err = live.Continue(ctx, "analysis")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShutdown_MarksOwnedRuns(t *testing.T) {
	tr, st, _, acct := newTestTracker(t)
	ctx := context.Background()

	runID, err := tr.Start(ctx, acct)
	require.NoError(t, err)

	require.NoError(t, tr.Shutdown(ctx))
	assert.Zero(t, tr.Registry().Len())

	run, err := st.GetRun(ctx, acct, runID)
	require.NoError(t, err)
	assert.False(t, run.IsRunning)
	assert.Equal(t, InterruptedMsg, run.Error)

	// Nothing left to do on a second call.
	require.NoError(t, tr.Shutdown(ctx))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Add("b", "acct")
	r.Add("a", "acct")
	assert.Equal(t, []string{"a", "b"}, r.RunIDs())
	r.Remove("a")
	r.Remove("missing")
	assert.Equal(t, 1, r.Len())
	assert.False(t, r.Has("a"))
}

package alert

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/store"
	"github.com/sells-group/gsc-radar/internal/window"
)

var (
	latest = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	now    = time.Date(2026, 3, 16, 6, 0, 0, 0, time.UTC)
)

type fixture struct {
	st   *store.SQLiteStore
	acct string
	prop model.Property
	det  *Detector
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "alert.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	acct, err := st.CreateAccount(ctx, "owner@example.com")
	require.NoError(t, err)
	props, err := st.UpsertProperties(ctx, acct.ID, []model.Property{
		{SiteURL: "https://example.com/", BaseDomain: "example.com", PermissionLevel: "siteOwner"},
	})
	require.NoError(t, err)

	f := &fixture{st: st, acct: acct.ID, prop: props[0], now: now}
	f.det = NewDetector(st, Config{})
	f.det.now = func() time.Time { return f.now }
	return f
}

// seedWindows writes seven daily site rows per window with the given totals.
func (f *fixture) seedWindows(t *testing.T, prevTotal, lastTotal int64) {
	t.Helper()
	var rows []model.MetricRow
	for i := range 7 {
		last := lastTotal / 7
		prev := prevTotal / 7
		if i == 0 {
			last += lastTotal % 7
			prev += prevTotal % 7
		}
		rows = append(rows,
			model.MetricRow{Source: model.SourceSite, Date: latest.AddDate(0, 0, -i), Impressions: last},
			model.MetricRow{Source: model.SourceSite, Date: latest.AddDate(0, 0, -(i + 7)), Impressions: prev},
		)
	}
	_, err := f.st.SaveMetrics(context.Background(), f.prop.ID, rows, 100)
	require.NoError(t, err)
}

func TestEvaluate_TriggersOnDrop(t *testing.T) {
	f := newFixture(t)
	f.seedWindows(t, 1000, 850)

	ev, err := f.det.Evaluate(context.Background(), f.acct, f.prop)
	require.NoError(t, err)
	assert.Equal(t, DecisionTriggered, ev.Decision)
	require.NotNil(t, ev.Alert)
	assert.Equal(t, 1000.0, ev.Alert.PrevWindowValue)
	assert.Equal(t, 850.0, ev.Alert.LastWindowValue)
	assert.Equal(t, -15.0, ev.Alert.DeltaPct)
	assert.Equal(t, now, ev.Alert.TriggeredAt)

	pending, err := f.st.ListPendingAlerts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].EmailSent)
	assert.Equal(t, model.AlertTypeImpressionDrop, pending[0].AlertType)
}

func TestEvaluate_Thresholds(t *testing.T) {
	tests := []struct {
		name      string
		prev      int64
		last      int64
		want      Decision
		wantAlert bool
	}{
		{"below noise floor", 99, 0, DecisionNoiseFloor, false},
		{"noise floor is inclusive", 100, 90, DecisionTriggered, true},
		{"small drop", 1000, 950, DecisionBelowDrop, false},
		{"exactly ten percent", 1000, 900, DecisionTriggered, true},
		{"growth", 1000, 1500, DecisionBelowDrop, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedWindows(t, tt.prev, tt.last)

			ev, err := f.det.Evaluate(context.Background(), f.acct, f.prop)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Decision)
			assert.Equal(t, tt.wantAlert, ev.Alert != nil)
		})
	}
}

func TestEvaluate_NoData(t *testing.T) {
	f := newFixture(t)
	ev, err := f.det.Evaluate(context.Background(), f.acct, f.prop)
	require.NoError(t, err)
	assert.Equal(t, DecisionNoData, ev.Decision)
}

func TestDetect_DedupsWithinWindow(t *testing.T) {
	f := newFixture(t)
	f.seedWindows(t, 1000, 850)
	ctx := context.Background()

	evs, err := f.det.Detect(ctx, f.acct, []model.Property{f.prop})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, DecisionTriggered, evs[0].Decision)

	f.now = now.Add(23 * time.Hour)
	evs, err = f.det.Detect(ctx, f.acct, []model.Property{f.prop})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeduplicated, evs[0].Decision)

	f.now = now.Add(25 * time.Hour)
	evs, err = f.det.Detect(ctx, f.acct, []model.Property{f.prop})
	require.NoError(t, err)
	assert.Equal(t, DecisionTriggered, evs[0].Decision)

	all, err := f.st.ListAlerts(ctx, store.AlertFilter{AccountID: f.acct})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) LatestMetricDate(ctx context.Context, propertyID string, source model.Source) (*time.Time, error) {
	args := m.Called(ctx, propertyID, source)
	t, _ := args.Get(0).(*time.Time)
	return t, args.Error(1)
}

func (m *mockStore) LoadMetrics(ctx context.Context, propertyID string, source model.Source, from, to time.Time) ([]model.MetricRow, error) {
	args := m.Called(ctx, propertyID, source, from, to)
	rows, _ := args.Get(0).([]model.MetricRow)
	return rows, args.Error(1)
}

func (m *mockStore) RecentAlertExists(ctx context.Context, accountID, propertyID, alertType string, since time.Time) (bool, error) {
	args := m.Called(ctx, accountID, propertyID, alertType, since)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) InsertAlert(ctx context.Context, a *model.Alert) error {
	return m.Called(ctx, a).Error(0)
}

func TestEvaluate_LoadsExactlyTwoWindows(t *testing.T) {
	ms := &mockStore{}
	d := NewDetector(ms, Config{})
	d.now = func() time.Time { return now }
	prop := model.Property{ID: "p1", SiteURL: "https://a/"}
	l := latest

	ms.On("LatestMetricDate", mock.Anything, "p1", model.SourceSite).Return(&l, nil)
	ms.On("LoadMetrics", mock.Anything, "p1", model.SourceSite, latest.AddDate(0, 0, -13), latest).Return([]model.MetricRow(nil), nil)

	ev, err := d.Evaluate(context.Background(), "acct", prop)
	require.NoError(t, err)
	assert.Equal(t, DecisionNoiseFloor, ev.Decision)
	assert.Equal(t, window.Comparison{}, ev.Comparison)
	ms.AssertExpectations(t)
}

func TestEvaluate_StoreErrorPropagates(t *testing.T) {
	ms := &mockStore{}
	d := NewDetector(ms, Config{})
	ms.On("LatestMetricDate", mock.Anything, "p1", model.SourceSite).Return(nil, errors.New("conn refused"))

	_, err := d.Evaluate(context.Background(), "acct", model.Property{ID: "p1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conn refused")
}

func TestEvaluate_DedupWindowUsesConfig(t *testing.T) {
	ms := &mockStore{}
	d := NewDetector(ms, Config{DedupWindow: 6 * time.Hour})
	d.now = func() time.Time { return now }
	l := latest

	var rows []model.MetricRow
	for i := range 14 {
		imp := int64(200)
		if i < 7 {
			imp = 100
		}
		rows = append(rows, model.MetricRow{Source: model.SourceSite, Date: latest.AddDate(0, 0, -i), Impressions: imp})
	}
	ms.On("LatestMetricDate", mock.Anything, "p1", model.SourceSite).Return(&l, nil)
	ms.On("LoadMetrics", mock.Anything, "p1", model.SourceSite, mock.Anything, mock.Anything).Return(rows, nil)
	ms.On("RecentAlertExists", mock.Anything, "acct", "p1", model.AlertTypeImpressionDrop, now.Add(-6*time.Hour)).Return(true, nil)

	ev, err := d.Evaluate(context.Background(), "acct", model.Property{ID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeduplicated, ev.Decision)
	ms.AssertNotCalled(t, "InsertAlert", mock.Anything, mock.Anything)
}

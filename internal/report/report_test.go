package report

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/store"
	"github.com/sells-group/gsc-radar/internal/window"
)

var latest = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

type fixture struct {
	st     *store.SQLiteStore
	acct   string
	reader *Reader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "report.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	acct, err := st.CreateAccount(ctx, "owner@example.com")
	require.NoError(t, err)
	return &fixture{st: st, acct: acct.ID, reader: NewReader(st, 7)}
}

func (f *fixture) properties(t *testing.T, props ...model.Property) []model.Property {
	t.Helper()
	out, err := f.st.UpsertProperties(context.Background(), f.acct, props)
	require.NoError(t, err)
	return out
}

func (f *fixture) site(t *testing.T, propertyID string, rows ...model.MetricRow) {
	t.Helper()
	_, err := f.st.SaveMetrics(context.Background(), propertyID, rows, 100)
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T) *model.Account {
	t.Helper()
	a, err := f.st.GetAccount(context.Background(), f.acct)
	require.NoError(t, err)
	return a
}

func siteRow(daysAgo int, impressions, clicks int64) model.MetricRow {
	return model.MetricRow{Source: model.SourceSite, Date: latest.AddDate(0, 0, -daysAgo), Impressions: impressions, Clicks: clicks}
}

func bySite(props []model.Property) map[string]model.Property {
	out := make(map[string]model.Property, len(props))
	for _, p := range props {
		out[p.SiteURL] = p
	}
	return out
}

func TestGroupByDomain(t *testing.T) {
	got := GroupByDomain([]model.Property{
		{ID: "3", SiteURL: "https://shop.example.com/", BaseDomain: "example.com"},
		{ID: "1", SiteURL: "sc-domain:acme.io", BaseDomain: "acme.io"},
		{ID: "2", SiteURL: "https://example.com/", BaseDomain: "example.com"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "acme.io", got[0].BaseDomain)
	assert.Equal(t, "example.com", got[1].BaseDomain)
	require.Len(t, got[1].Properties, 2)
	assert.Equal(t, "2", got[1].Properties[0].ID)
	assert.Equal(t, "3", got[1].Properties[1].ID)

	assert.Empty(t, GroupByDomain(nil))
}

func TestClassifyHealth(t *testing.T) {
	agg := func(impr, clicks int64) window.Aggregate {
		return window.Aggregate{Impressions: impr, Clicks: clicks}
	}
	tests := []struct {
		name       string
		last, prev window.Aggregate
		want       string
	}{
		{"too few impressions", agg(200, 20), agg(200, 20), HealthInsufficient},
		{"no baseline", agg(900, 90), agg(0, 0), HealthInsufficient},
		{"impressions halved", agg(500, 100), agg(1000, 100), HealthCritical},
		{"clicks halved", agg(1000, 50), agg(1000, 100), HealthCritical},
		{"both down a third", agg(700, 70), agg(1000, 100), HealthCritical},
		{"impressions down moderately", agg(850, 100), agg(1000, 100), HealthWarning},
		{"impressions up clicks down", agg(1200, 80), agg(1000, 100), HealthWarning},
		{"flat", agg(1000, 100), agg(1000, 100), HealthHealthy},
		{"no clicks baseline", agg(1000, 5), agg(1000, 0), HealthHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyHealth(tt.last, tt.prev))
		})
	}
}

func TestWebsites_GroupsAccountProperties(t *testing.T) {
	f := newFixture(t)
	f.properties(t,
		model.Property{SiteURL: "https://example.com/", BaseDomain: "example.com", PermissionLevel: "siteOwner"},
		model.Property{SiteURL: "sc-domain:example.com", BaseDomain: "example.com", PermissionLevel: "siteOwner"},
		model.Property{SiteURL: "https://acme.io/", BaseDomain: "acme.io", PermissionLevel: "siteFullUser"},
	)

	sites, err := f.reader.Websites(context.Background(), f.acct)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "acme.io", sites[0].BaseDomain)
	assert.Len(t, sites[1].Properties, 2)
}

func TestOverview_ComparesSiteWindows(t *testing.T) {
	f := newFixture(t)
	prop := f.properties(t, model.Property{SiteURL: "https://example.com/", BaseDomain: "example.com", PermissionLevel: "siteOwner"})[0]
	f.site(t, prop.ID,
		siteRow(0, 300, 30),
		siteRow(3, 300, 30),
		siteRow(8, 1000, 100),
		// Outside both windows.
		siteRow(20, 5000, 500),
	)

	ov, err := f.reader.Overview(context.Background(), f.acct, prop.ID)
	require.NoError(t, err)
	assert.True(t, ov.Initialized)
	assert.Equal(t, "https://example.com/", ov.SiteURL)
	require.NotNil(t, ov.DataThrough)
	assert.Equal(t, latest, *ov.DataThrough)
	assert.Equal(t, int64(600), ov.Last.Impressions)
	assert.Equal(t, 2, ov.Last.Days)
	assert.Equal(t, int64(1000), ov.Prev.Impressions)
	assert.Equal(t, Deltas{Clicks: -40, Impressions: -400, ClicksPct: -40, ImpressionsPct: -40}, ov.Deltas)
}

func TestOverview_NoDataYet(t *testing.T) {
	f := newFixture(t)
	prop := f.properties(t, model.Property{SiteURL: "https://example.com/", BaseDomain: "example.com", PermissionLevel: "siteOwner"})[0]

	ov, err := f.reader.Overview(context.Background(), f.acct, prop.ID)
	require.NoError(t, err)
	assert.False(t, ov.Initialized)
	assert.Nil(t, ov.DataThrough)
	assert.Zero(t, ov.Last)
}

func TestOverview_UnknownProperty(t *testing.T) {
	f := newFixture(t)

	_, err := f.reader.Overview(context.Background(), f.acct, "00000000-0000-0000-0000-000000000000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestDashboard_NotInitialized(t *testing.T) {
	f := newFixture(t)
	f.properties(t, model.Property{SiteURL: "https://example.com/", BaseDomain: "example.com", PermissionLevel: "siteOwner"})

	dash, err := f.reader.Dashboard(context.Background(), f.account(t))
	require.NoError(t, err)
	assert.Equal(t, DashboardNotInitialized, dash.Status)
	assert.Empty(t, dash.Websites)
}

func TestDashboard_ClassifiesPropertiesWithData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	props := bySite(f.properties(t,
		model.Property{SiteURL: "https://example.com/", BaseDomain: "example.com", PermissionLevel: "siteOwner"},
		model.Property{SiteURL: "https://blog.example.com/", BaseDomain: "example.com", PermissionLevel: "siteOwner"},
		model.Property{SiteURL: "https://acme.io/", BaseDomain: "acme.io", PermissionLevel: "siteOwner"},
		model.Property{SiteURL: "https://empty.dev/", BaseDomain: "empty.dev", PermissionLevel: "siteOwner"},
	))
	f.site(t, props["https://example.com/"].ID, siteRow(0, 600, 60), siteRow(8, 1000, 100))
	f.site(t, props["https://acme.io/"].ID, siteRow(1, 1000, 100), siteRow(9, 1000, 100))
	require.NoError(t, f.st.MarkAccountInitialized(ctx, f.acct))

	dash, err := f.reader.Dashboard(ctx, f.account(t))
	require.NoError(t, err)
	assert.Equal(t, DashboardReady, dash.Status)
	require.Len(t, dash.Websites, 2, "domains without data are left out")

	assert.Equal(t, "acme.io", dash.Websites[0].BaseDomain)
	require.Len(t, dash.Websites[0].Properties, 1)
	assert.Equal(t, HealthHealthy, dash.Websites[0].Properties[0].Status)

	ex := dash.Websites[1]
	assert.Equal(t, "example.com", ex.BaseDomain)
	require.Len(t, ex.Properties, 1)
	assert.Equal(t, HealthCritical, ex.Properties[0].Status)
	assert.InDelta(t, -40, ex.Properties[0].ImpressionsPct, 0.001)
	assert.Equal(t, latest, ex.Properties[0].DataThrough)
}

func TestVisibility_TotalsByCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prop := f.properties(t, model.Property{SiteURL: "https://example.com/", BaseDomain: "example.com", PermissionLevel: "siteOwner"})[0]
	require.NoError(t, f.st.ReplaceVisibility(ctx, prop.ID, model.SourceDevice, []model.VisibilityChange{
		{PropertyID: prop.ID, Dimension: model.SourceDevice, Key: "mobile", Category: model.ChangeDrop, PrevImpressions: 100, LastImpressions: 50, DeltaPct: -50, AnalyzedAt: latest},
		{PropertyID: prop.ID, Dimension: model.SourceDevice, Key: "tablet", Category: model.ChangeNew, LastImpressions: 10, DeltaPct: 100, AnalyzedAt: latest},
	}))

	devices, err := f.reader.Visibility(ctx, f.acct, prop.ID, model.SourceDevice)
	require.NoError(t, err)
	assert.Len(t, devices.Changes, 2)
	assert.Equal(t, map[string]int{model.ChangeNew: 1, model.ChangeLost: 0, model.ChangeDrop: 1, model.ChangeGain: 0}, devices.Totals)

	pages, err := f.reader.Visibility(ctx, f.acct, prop.ID, model.SourcePage)
	require.NoError(t, err)
	assert.NotNil(t, pages.Changes)
	assert.Empty(t, pages.Changes)
}

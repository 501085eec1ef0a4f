package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/report"
	"github.com/sells-group/gsc-radar/internal/store"
	"github.com/sells-group/gsc-radar/internal/tracker"
)

// trackerScheduler starts runs without executing them.
type trackerScheduler struct {
	tr *tracker.Tracker
}

func (s trackerScheduler) Submit(accountID string) (string, error) {
	return s.tr.Start(context.Background(), accountID)
}

type testEnv struct {
	st   *store.SQLiteStore
	tr   *tracker.Tracker
	srv  *httptest.Server
	acct string
	prop model.Property
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	acct, err := st.CreateAccount(ctx, "owner@example.com")
	require.NoError(t, err)
	props, err := st.UpsertProperties(ctx, acct.ID, []model.Property{
		{SiteURL: "https://example.com/", BaseDomain: "example.com", PermissionLevel: "siteOwner"},
	})
	require.NoError(t, err)

	tr := tracker.New(st, tracker.Config{}, nil)
	s := NewServer(st, trackerScheduler{tr: tr}, tr, Config{AllowedOrigins: []string{"http://localhost:5173"}})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{st: st, tr: tr, srv: srv, acct: acct.ID, prop: props[0]}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, []byte(buf.String())
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodGet, "/health", "")
	resp, body := e.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gsc_radar_api_requests_total")
}

func TestUnknownAccount(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodGet, "/accounts/nope/runs/latest", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRun_ConflictWhileRunning(t *testing.T) {
	e := newTestEnv(t)
	path := "/accounts/" + e.acct + "/runs"

	resp, body := e.do(t, http.MethodPost, path, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]string
	require.NoError(t, json.Unmarshal(body, &started))
	assert.NotEmpty(t, started["run_id"])

	resp, _ = e.do(t, http.MethodPost, path, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLatestRun(t *testing.T) {
	e := newTestEnv(t)
	path := "/accounts/" + e.acct + "/runs/latest"

	resp, _ := e.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	runID, err := e.tr.Start(context.Background(), e.acct)
	require.NoError(t, err)
	require.NoError(t, e.tr.SetProgress(context.Background(), e.acct, runID, "Processing [1/3]: https://example.com/", 1, 3))

	resp, body := e.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st model.RunStatus
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, runID, st.RunID)
	assert.True(t, st.IsRunning)
	assert.Equal(t, model.RunProgress{Current: 1, Total: 3}, st.Progress)
	assert.Equal(t, "Processing [1/3]: https://example.com/", st.CurrentStep)
}

func TestListAlerts(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	for i := range 3 {
		require.NoError(t, e.st.InsertAlert(ctx, &model.Alert{
			AccountID: e.acct, PropertyID: e.prop.ID, AlertType: model.AlertTypeImpressionDrop,
			PrevWindowValue: 1000, LastWindowValue: 800, DeltaPct: -20,
			TriggeredAt: now.Add(-time.Duration(i) * 48 * time.Hour),
		}))
	}

	resp, body := e.do(t, http.MethodGet, "/accounts/"+e.acct+"/alerts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var alerts []model.Alert
	require.NoError(t, json.Unmarshal(body, &alerts))
	assert.Len(t, alerts, 3)

	since := url.QueryEscape(now.Add(-72 * time.Hour).Format(time.RFC3339))
	resp, body = e.do(t, http.MethodGet, "/accounts/"+e.acct+"/alerts?since="+since, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &alerts))
	assert.Len(t, alerts, 2)

	resp, _ = e.do(t, http.MethodGet, "/accounts/"+e.acct+"/alerts?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAlerts_EmptyIsArray(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/accounts/"+e.acct+"/alerts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestSubscriptionsCRUD(t *testing.T) {
	e := newTestEnv(t)
	base := "/accounts/" + e.acct + "/subscriptions"

	resp, _ := e.do(t, http.MethodPost, base, `{"recipient":"Ops@Example.com","property_id":"`+e.prop.ID+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := e.do(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var subs []model.Subscription
	require.NoError(t, json.Unmarshal(body, &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "ops@example.com", subs[0].Recipient)

	q := "?recipient=ops@example.com&property_id=" + e.prop.ID
	resp, _ = e.do(t, http.MethodDelete, base+q, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, base+q, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddSubscription_Validation(t *testing.T) {
	e := newTestEnv(t)
	base := "/accounts/" + e.acct + "/subscriptions"

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"bad email", `{"recipient":"not-an-email","property_id":"` + e.prop.ID + `"}`, http.StatusBadRequest},
		{"display name", `{"recipient":"Ops <ops@example.com>","property_id":"` + e.prop.ID + `"}`, http.StatusBadRequest},
		{"missing property", `{"recipient":"ops@example.com"}`, http.StatusBadRequest},
		{"unknown property", `{"recipient":"ops@example.com","property_id":"other"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := e.do(t, http.MethodPost, base, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestSubscriptions_PropertyOfAnotherAccount(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	other, err := e.st.CreateAccount(ctx, "other@example.com")
	require.NoError(t, err)

	resp, _ := e.do(t, http.MethodPost, "/accounts/"+other.ID+"/subscriptions",
		`{"recipient":"ops@example.com","property_id":"`+e.prop.ID+`"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListProperties_GroupedByDomain(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.st.UpsertProperties(context.Background(), e.acct, []model.Property{
		{SiteURL: "sc-domain:example.com", BaseDomain: "example.com", PermissionLevel: "siteOwner"},
		{SiteURL: "https://acme.io/", BaseDomain: "acme.io", PermissionLevel: "siteOwner"},
	})
	require.NoError(t, err)

	resp, body := e.do(t, http.MethodGet, "/accounts/"+e.acct+"/properties", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sites []report.Website
	require.NoError(t, json.Unmarshal(body, &sites))
	require.Len(t, sites, 2)
	assert.Equal(t, "acme.io", sites[0].BaseDomain)
	assert.Equal(t, "example.com", sites[1].BaseDomain)
	assert.Len(t, sites[1].Properties, 2)
}

func TestPropertyOverview(t *testing.T) {
	e := newTestEnv(t)
	latest := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	_, err := e.st.SaveMetrics(context.Background(), e.prop.ID, []model.MetricRow{
		{Source: model.SourceSite, Date: latest, Impressions: 900, Clicks: 90},
		{Source: model.SourceSite, Date: latest.AddDate(0, 0, -7), Impressions: 1000, Clicks: 100},
	}, 100)
	require.NoError(t, err)

	resp, body := e.do(t, http.MethodGet, "/accounts/"+e.acct+"/properties/"+e.prop.ID+"/overview", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ov report.Overview
	require.NoError(t, json.Unmarshal(body, &ov))
	assert.True(t, ov.Initialized)
	assert.Equal(t, int64(900), ov.Last.Impressions)
	assert.Equal(t, int64(1000), ov.Prev.Impressions)
	assert.InDelta(t, -10, ov.Deltas.ImpressionsPct, 0.001)

	resp, _ = e.do(t, http.MethodGet, "/accounts/"+e.acct+"/properties/missing/overview", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPropertyVisibility(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.st.ReplaceVisibility(context.Background(), e.prop.ID, model.SourcePage, []model.VisibilityChange{
		{PropertyID: e.prop.ID, Dimension: model.SourcePage, Key: "https://example.com/a", Category: model.ChangeLost, PrevImpressions: 120, DeltaPct: -100, AnalyzedAt: time.Now().UTC()},
	}))
	base := "/accounts/" + e.acct + "/properties/" + e.prop.ID

	resp, body := e.do(t, http.MethodGet, base+"/pages", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pages report.Visibility
	require.NoError(t, json.Unmarshal(body, &pages))
	require.Len(t, pages.Changes, 1)
	assert.Equal(t, 1, pages.Totals[model.ChangeLost])

	resp, body = e.do(t, http.MethodGet, base+"/devices", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var devices report.Visibility
	require.NoError(t, json.Unmarshal(body, &devices))
	assert.Equal(t, model.SourceDevice, devices.Dimension)
	assert.Empty(t, devices.Changes)
}

func TestDashboard_NotInitialized(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/accounts/"+e.acct+"/dashboard", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"not_initialized","websites":[]}`, string(body))
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/accounts/"+e.acct+"/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

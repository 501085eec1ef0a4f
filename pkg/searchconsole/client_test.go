package searchconsole

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/sells-group/gsc-radar/internal/resilience"
	"github.com/sells-group/gsc-radar/internal/store"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), 3,
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	c.policy = resilience.Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestListSites(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/sites"), r.URL.Path)
		writeJSON(w, http.StatusOK, `{"siteEntry":[
			{"siteUrl":"sc-domain:example.com","permissionLevel":"siteOwner"},
			{"siteUrl":"https://blog.example.com/","permissionLevel":"siteUnverifiedUser"}
		]}`)
	})

	sites, err := c.ListSites(context.Background())
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, Site{URL: "sc-domain:example.com", PermissionLevel: "siteOwner"}, sites[0])
}

func TestQuery_SendsRequestAndMapsRows(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/searchAnalytics/query"), r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2026-03-01", body["startDate"])
		assert.Equal(t, "2026-03-14", body["endDate"])
		assert.Equal(t, []any{"page", "date"}, body["dimensions"])
		assert.EqualValues(t, 25000, body["rowLimit"])
		assert.EqualValues(t, 25000, body["startRow"])

		writeJSON(w, http.StatusOK, `{"rows":[
			{"keys":["https://example.com/a","2026-03-14"],"clicks":3,"impressions":120,"ctr":0.025,"position":4.2}
		]}`)
	})

	rows, err := c.Query(context.Background(), "sc-domain:example.com", Query{
		StartDate:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		Dimensions: []string{DimPage, DimDate},
		RowLimit:   25000,
		StartRow:   25000,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"https://example.com/a", "2026-03-14"}, rows[0].Keys)
	assert.Equal(t, 120.0, rows[0].Impressions)
	assert.InDelta(t, 4.2, rows[0].Position, 1e-9)
}

func TestQuery_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, `{"error":{"code":503,"message":"backend error"}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"rows":[]}`)
	})

	rows, err := c.Query(context.Background(), "sc-domain:example.com", Query{Dimensions: []string{DimDate}})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQuery_UnauthorizedIsAuthError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, `{"error":{"code":401,"message":"invalid credentials"}}`)
	})

	_, err := c.Query(context.Background(), "sc-domain:example.com", Query{Dimensions: []string{DimDate}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
	assert.Equal(t, int32(1), calls.Load(), "auth failures are not retried")
}

func TestQuery_ForbiddenIsPlainError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"error":{"code":403,"message":"no access to property"}}`)
	})

	_, err := c.Query(context.Background(), "sc-domain:example.com", Query{Dimensions: []string{DimDate}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuth))
}

func TestBaseDomain(t *testing.T) {
	tests := map[string]string{
		"sc-domain:example.com":            "example.com",
		"sc-domain:www.Example.com":        "example.com",
		"https://www.example.com/":         "example.com",
		"http://example.com:8080/blog/":    "example.com",
		"https://shop.example.co.uk/path/": "shop.example.co.uk",
		"example.org/landing":              "example.org",
	}
	for in, want := range tests {
		assert.Equal(t, want, BaseDomain(in), in)
	}
}

type memTokens struct {
	mu      sync.Mutex
	data    map[string][]byte
	saves   int
	loadErr error
}

func (m *memTokens) LoadToken(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	raw, ok := m.data[id]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "token for %s", id)
	}
	return raw, nil
}

func (m *memTokens) SaveToken(_ context.Context, id string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = raw
	m.saves++
	return nil
}

func tokenJSON(t *testing.T, tok oauth2.Token) []byte {
	t.Helper()
	raw, err := json.Marshal(tok)
	require.NoError(t, err)
	return raw
}

func TestFactory_ValidTokenNeedsNoRefresh(t *testing.T) {
	tokens := &memTokens{data: map[string][]byte{
		"acct": tokenJSON(t, oauth2.Token{AccessToken: "live", Expiry: time.Now().Add(time.Hour)}),
	}}
	f := NewFactory(FactoryConfig{ClientID: "id", ClientSecret: "secret", Retries: 3}, tokens)

	api, err := f.ForAccount(context.Background(), "acct")
	require.NoError(t, err)
	assert.NotNil(t, api)
	assert.Zero(t, tokens.saves)
}

func TestFactory_RefreshesAndPersistsExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	tokens := &memTokens{data: map[string][]byte{
		"acct": tokenJSON(t, oauth2.Token{AccessToken: "old", RefreshToken: "refresh", Expiry: time.Now().Add(-time.Hour)}),
	}}
	f := NewFactory(FactoryConfig{ClientID: "id", ClientSecret: "secret"}, tokens)
	f.oauth.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}

	_, err := f.ForAccount(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.saves)
	assert.Contains(t, string(tokens.data["acct"]), "fresh")
}

func TestFactory_RevokedRefreshTokenIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token has been revoked."}`)
	}))
	defer srv.Close()

	tokens := &memTokens{data: map[string][]byte{
		"acct": tokenJSON(t, oauth2.Token{AccessToken: "old", RefreshToken: "revoked", Expiry: time.Now().Add(-time.Hour)}),
	}}
	f := NewFactory(FactoryConfig{ClientID: "id", ClientSecret: "secret"}, tokens)
	f.oauth.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}

	_, err := f.ForAccount(context.Background(), "acct")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
}

func TestFactory_MissingOrBrokenToken(t *testing.T) {
	tokens := &memTokens{data: map[string][]byte{
		"broken":  []byte("not json"),
		"expired": []byte(`{"access_token":"x","expiry":"2020-01-01T00:00:00Z"}`),
	}}
	f := NewFactory(FactoryConfig{}, tokens)

	for _, id := range []string{"missing", "broken", "expired"} {
		_, err := f.ForAccount(context.Background(), id)
		require.Error(t, err, id)
		assert.True(t, errors.Is(err, ErrAuth), id)
	}
}

func TestFactory_StorageOutageIsNotAuthError(t *testing.T) {
	tokens := &memTokens{loadErr: errors.New("connection refused")}
	f := NewFactory(FactoryConfig{}, tokens)

	_, err := f.ForAccount(context.Background(), "acct")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuth))
	assert.Contains(t, err.Error(), "connection refused")
}

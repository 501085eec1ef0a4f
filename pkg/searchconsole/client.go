// Package searchconsole wraps the Google Search Console API: site listing and
// search analytics queries, with upstream errors classified as auth failures
// or retryable transients.
package searchconsole

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sc "google.golang.org/api/searchconsole/v1"

	"github.com/sells-group/gsc-radar/internal/metrics"
	"github.com/sells-group/gsc-radar/internal/resilience"
)

// ErrAuth marks credentials that are missing, expired beyond refresh or
// revoked. A run that hits it fails without retry.
var ErrAuth = eris.New("searchconsole: authentication failed")

// Dimension names accepted by the search analytics endpoint.
const (
	DimDate   = "date"
	DimPage   = "page"
	DimDevice = "device"
)

const dateLayout = "2006-01-02"

// Site is one property visible to the authenticated user.
type Site struct {
	URL             string
	PermissionLevel string
}

// Row is one search analytics row. Keys follow the requested dimensions.
type Row struct {
	Keys        []string
	Clicks      float64
	Impressions float64
	CTR         float64
	Position    float64
}

// Query selects a page of search analytics rows.
type Query struct {
	StartDate  time.Time
	EndDate    time.Time
	Dimensions []string
	RowLimit   int
	StartRow   int
}

// API is the subset of Search Console used by the pipeline.
type API interface {
	ListSites(ctx context.Context) ([]Site, error)
	Query(ctx context.Context, siteURL string, q Query) ([]Row, error)
}

// Client implements API on top of the generated searchconsole/v1 service.
type Client struct {
	svc    *sc.Service
	policy resilience.Policy
}

// NewClient builds a Client. Authentication comes from opts, typically
// option.WithTokenSource.
func NewClient(ctx context.Context, retries int, opts ...option.ClientOption) (*Client, error) {
	svc, err := sc.NewService(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "searchconsole: create service")
	}
	return &Client{svc: svc, policy: resilience.QueryPolicy(retries)}, nil
}

// ListSites returns every site entry for the authenticated user.
func (c *Client) ListSites(ctx context.Context) ([]Site, error) {
	resp, err := resilience.Retry(ctx, c.policy, "searchconsole.sites.list",
		func(ctx context.Context) (*sc.SitesListResponse, error) {
			resp, err := c.svc.Sites.List().Context(ctx).Do()
			observe("sites.list", err)
			return resp, classify(err)
		})
	if err != nil {
		return nil, eris.Wrap(err, "searchconsole: list sites")
	}

	sites := make([]Site, 0, len(resp.SiteEntry))
	for _, e := range resp.SiteEntry {
		if e == nil {
			continue
		}
		sites = append(sites, Site{URL: e.SiteUrl, PermissionLevel: e.PermissionLevel})
	}
	return sites, nil
}

// Query runs a single page of a search analytics query.
func (c *Client) Query(ctx context.Context, siteURL string, q Query) ([]Row, error) {
	req := &sc.SearchAnalyticsQueryRequest{
		StartDate:  q.StartDate.Format(dateLayout),
		EndDate:    q.EndDate.Format(dateLayout),
		Dimensions: q.Dimensions,
		RowLimit:   int64(q.RowLimit),
		StartRow:   int64(q.StartRow),
	}
	resp, err := resilience.Retry(ctx, c.policy, "searchconsole.searchanalytics.query",
		func(ctx context.Context) (*sc.SearchAnalyticsQueryResponse, error) {
			resp, err := c.svc.Searchanalytics.Query(siteURL, req).Context(ctx).Do()
			observe("searchanalytics.query", err)
			return resp, classify(err)
		})
	if err != nil {
		return nil, eris.Wrapf(err, "searchconsole: query %s %v", siteURL, q.Dimensions)
	}

	rows := make([]Row, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		if r == nil {
			continue
		}
		rows = append(rows, Row{
			Keys:        r.Keys,
			Clicks:      r.Clicks,
			Impressions: r.Impressions,
			CTR:         r.Ctr,
			Position:    r.Position,
		})
	}
	return rows, nil
}

// classify maps upstream failures onto ErrAuth or a TransientError. Other
// errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return eris.Wrapf(ErrAuth, "token refresh: %s", rerr.ErrorCode)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return eris.Wrapf(ErrAuth, "status %d: %s", gerr.Code, gerr.Message)
		case resilience.IsTransientStatus(gerr.Code):
			return resilience.NewTransientError(err, gerr.Code)
		}
	}
	return err
}

func observe(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			status = strconv.Itoa(gerr.Code)
		}
	}
	metrics.UpstreamQueries.WithLabelValues(method, status).Inc()
}

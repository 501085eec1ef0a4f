// Package report builds the read models served by the CLI and the HTTP API:
// properties grouped by base domain, the two-window overview of one
// property, the account dashboard with health labels, and the stored
// page and device visibility changes.
package report

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/store"
	"github.com/sells-group/gsc-radar/internal/window"
)

// Health labels assigned by ClassifyHealth.
const (
	HealthCritical     = "critical"
	HealthWarning      = "warning"
	HealthHealthy      = "healthy"
	HealthInsufficient = "insufficient_data"
)

// Dashboard states.
const (
	DashboardReady          = "ready"
	DashboardNotInitialized = "not_initialized"
)

// minHealthImpressions is the combined impressions of both windows below
// which a property is not classified.
const minHealthImpressions = 500

// Store is the persistence the reader needs.
type Store interface {
	ListProperties(ctx context.Context, accountID string) ([]model.Property, error)
	GetProperty(ctx context.Context, accountID, propertyID string) (*model.Property, error)
	LatestMetricDate(ctx context.Context, propertyID string, source model.Source) (*time.Time, error)
	LoadMetrics(ctx context.Context, propertyID string, source model.Source, from, to time.Time) ([]model.MetricRow, error)
	ListVisibility(ctx context.Context, propertyID string, dim model.Source) ([]model.VisibilityChange, error)
}

var _ Store = (store.Store)(nil)

// Website is one base domain and the properties under it.
type Website struct {
	BaseDomain string           `json:"base_domain" yaml:"base_domain"`
	Properties []model.Property `json:"properties" yaml:"properties"`
}

// Deltas compares the last window against the previous one.
type Deltas struct {
	Clicks         int64   `json:"clicks" yaml:"clicks"`
	Impressions    int64   `json:"impressions" yaml:"impressions"`
	ClicksPct      float64 `json:"clicks_pct" yaml:"clicks_pct"`
	ImpressionsPct float64 `json:"impressions_pct" yaml:"impressions_pct"`
	CTR            float64 `json:"ctr" yaml:"ctr"`
	CTRPct         float64 `json:"ctr_pct" yaml:"ctr_pct"`
	Position       float64 `json:"position" yaml:"position"`
}

// Overview is the two-window comparison of a property's site metrics.
// DataThrough is nil and Initialized false when nothing was ingested yet.
type Overview struct {
	PropertyID  string           `json:"property_id" yaml:"property_id"`
	SiteURL     string           `json:"site_url" yaml:"site_url"`
	Initialized bool             `json:"initialized" yaml:"initialized"`
	Last        window.Aggregate `json:"last" yaml:"last"`
	Prev        window.Aggregate `json:"prev" yaml:"prev"`
	Deltas      Deltas           `json:"deltas" yaml:"deltas"`
	DataThrough *time.Time       `json:"data_through" yaml:"data_through"`
}

// PropertyHealth is one dashboard row.
type PropertyHealth struct {
	PropertyID     string    `json:"property_id" yaml:"property_id"`
	SiteURL        string    `json:"site_url" yaml:"site_url"`
	Status         string    `json:"status" yaml:"status"`
	DataThrough    time.Time `json:"data_through" yaml:"data_through"`
	LastClicks     int64     `json:"last_clicks" yaml:"last_clicks"`
	LastImpr       int64     `json:"last_impressions" yaml:"last_impressions"`
	PrevClicks     int64     `json:"prev_clicks" yaml:"prev_clicks"`
	PrevImpr       int64     `json:"prev_impressions" yaml:"prev_impressions"`
	ClicksPct      float64   `json:"clicks_pct" yaml:"clicks_pct"`
	ImpressionsPct float64   `json:"impressions_pct" yaml:"impressions_pct"`
}

// WebsiteHealth groups dashboard rows by base domain.
type WebsiteHealth struct {
	BaseDomain string           `json:"base_domain" yaml:"base_domain"`
	Properties []PropertyHealth `json:"properties" yaml:"properties"`
}

// Dashboard is the account-wide health summary.
type Dashboard struct {
	Status   string          `json:"status" yaml:"status"`
	Websites []WebsiteHealth `json:"websites" yaml:"websites"`
}

// Visibility is the stored change list of one dimension, with totals per
// category.
type Visibility struct {
	PropertyID string                   `json:"property_id" yaml:"property_id"`
	Dimension  model.Source             `json:"dimension" yaml:"dimension"`
	Changes    []model.VisibilityChange `json:"changes" yaml:"changes"`
	Totals     map[string]int           `json:"totals" yaml:"totals"`
}

// Reader serves the read models.
type Reader struct {
	store Store
	half  int
}

// NewReader returns a Reader comparing windows of half days each.
func NewReader(st Store, half int) *Reader {
	if half <= 0 {
		half = window.DefaultHalf
	}
	return &Reader{store: st, half: half}
}

// GroupByDomain buckets properties by base domain, both levels sorted.
func GroupByDomain(props []model.Property) []Website {
	byDomain := make(map[string][]model.Property)
	for _, p := range props {
		byDomain[p.BaseDomain] = append(byDomain[p.BaseDomain], p)
	}
	out := make([]Website, 0, len(byDomain))
	for domain, ps := range byDomain {
		sort.Slice(ps, func(i, j int) bool { return ps[i].SiteURL < ps[j].SiteURL })
		out = append(out, Website{BaseDomain: domain, Properties: ps})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BaseDomain < out[j].BaseDomain })
	return out
}

// Websites lists the account's properties grouped by base domain.
func (r *Reader) Websites(ctx context.Context, accountID string) ([]Website, error) {
	props, err := r.store.ListProperties(ctx, accountID)
	if err != nil {
		return nil, eris.Wrap(err, "report: list properties")
	}
	return GroupByDomain(props), nil
}

// Overview compares the last two windows of the property's site metrics,
// anchored at the latest ingested date. It returns store.ErrNotFound when
// the property is not the account's.
func (r *Reader) Overview(ctx context.Context, accountID, propertyID string) (*Overview, error) {
	prop, err := r.store.GetProperty(ctx, accountID, propertyID)
	if err != nil {
		return nil, eris.Wrap(err, "report: get property")
	}
	cmp, ok, err := r.compare(ctx, prop.ID)
	if err != nil {
		return nil, err
	}
	ov := &Overview{PropertyID: prop.ID, SiteURL: prop.SiteURL}
	if !ok {
		return ov, nil
	}
	anchor := cmp.Anchor
	ov.Initialized = true
	ov.DataThrough = &anchor
	ov.Last, ov.Prev = cmp.Last, cmp.Prev
	ov.Deltas = deltas(cmp)
	return ov, nil
}

// Dashboard classifies every property that has site data. An account whose
// pipeline never completed gets the not-initialized state and no websites.
func (r *Reader) Dashboard(ctx context.Context, acct *model.Account) (*Dashboard, error) {
	if !acct.DataInitialized {
		return &Dashboard{Status: DashboardNotInitialized, Websites: []WebsiteHealth{}}, nil
	}
	sites, err := r.Websites(ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	dash := &Dashboard{Status: DashboardReady, Websites: []WebsiteHealth{}}
	for _, site := range sites {
		wh := WebsiteHealth{BaseDomain: site.BaseDomain}
		for _, p := range site.Properties {
			cmp, ok, err := r.compare(ctx, p.ID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			wh.Properties = append(wh.Properties, PropertyHealth{
				PropertyID:     p.ID,
				SiteURL:        p.SiteURL,
				Status:         ClassifyHealth(cmp.Last, cmp.Prev),
				DataThrough:    cmp.Anchor,
				LastClicks:     cmp.Last.Clicks,
				LastImpr:       cmp.Last.Impressions,
				PrevClicks:     cmp.Prev.Clicks,
				PrevImpr:       cmp.Prev.Impressions,
				ClicksPct:      window.SafeDeltaPct(float64(cmp.Last.Clicks), float64(cmp.Prev.Clicks)),
				ImpressionsPct: cmp.ImpressionsDelta(),
			})
		}
		if len(wh.Properties) > 0 {
			dash.Websites = append(dash.Websites, wh)
		}
	}
	return dash, nil
}

// Visibility returns the stored changes of one dimension for the property.
func (r *Reader) Visibility(ctx context.Context, accountID, propertyID string, dim model.Source) (*Visibility, error) {
	prop, err := r.store.GetProperty(ctx, accountID, propertyID)
	if err != nil {
		return nil, eris.Wrap(err, "report: get property")
	}
	changes, err := r.store.ListVisibility(ctx, prop.ID, dim)
	if err != nil {
		return nil, eris.Wrapf(err, "report: list %s visibility", dim)
	}
	v := &Visibility{
		PropertyID: prop.ID,
		Dimension:  dim,
		Changes:    changes,
		Totals:     map[string]int{model.ChangeNew: 0, model.ChangeLost: 0, model.ChangeDrop: 0, model.ChangeGain: 0},
	}
	if v.Changes == nil {
		v.Changes = []model.VisibilityChange{}
	}
	for _, c := range changes {
		v.Totals[c.Category]++
	}
	return v, nil
}

// ClassifyHealth labels a property from its two windows. Sparse properties
// are not classified. A steep drop in either metric, or a moderate drop in
// both, is critical. A smaller drop, or impressions rising while clicks
// fall, is a warning.
func ClassifyHealth(last, prev window.Aggregate) string {
	if last.Impressions+prev.Impressions < minHealthImpressions || prev.Impressions == 0 {
		return HealthInsufficient
	}
	imprPct := rawPct(last.Impressions, prev.Impressions)
	var clicksPct float64
	if prev.Clicks > 0 {
		clicksPct = rawPct(last.Clicks, prev.Clicks)
	}

	switch {
	case imprPct <= -50 || clicksPct <= -50:
		return HealthCritical
	case imprPct <= -25 && clicksPct <= -25:
		return HealthCritical
	case imprPct <= -12 || clicksPct <= -12:
		return HealthWarning
	case imprPct >= 15 && clicksPct <= -15:
		return HealthWarning
	}
	return HealthHealthy
}

func (r *Reader) compare(ctx context.Context, propertyID string) (window.Comparison, bool, error) {
	latest, err := r.store.LatestMetricDate(ctx, propertyID, model.SourceSite)
	if err != nil {
		return window.Comparison{}, false, eris.Wrap(err, "report: latest site date")
	}
	if latest == nil {
		return window.Comparison{}, false, nil
	}
	from := latest.AddDate(0, 0, -(2*r.half - 1))
	rows, err := r.store.LoadMetrics(ctx, propertyID, model.SourceSite, from, *latest)
	if err != nil {
		return window.Comparison{}, false, eris.Wrap(err, "report: load site metrics")
	}
	if len(rows) == 0 {
		return window.Comparison{}, false, nil
	}
	return window.Compare(rows, r.half), true, nil
}

func deltas(c window.Comparison) Deltas {
	return Deltas{
		Clicks:         c.Last.Clicks - c.Prev.Clicks,
		Impressions:    c.Last.Impressions - c.Prev.Impressions,
		ClicksPct:      window.SafeDeltaPct(float64(c.Last.Clicks), float64(c.Prev.Clicks)),
		ImpressionsPct: c.ImpressionsDelta(),
		CTR:            round(c.Last.CTR-c.Prev.CTR, 4),
		CTRPct:         window.SafeDeltaPct(c.Last.CTR, c.Prev.CTR),
		Position:       round(c.Last.Position-c.Prev.Position, 2),
	}
}

func rawPct(cur, prev int64) float64 {
	return float64(cur-prev) / float64(prev) * 100
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

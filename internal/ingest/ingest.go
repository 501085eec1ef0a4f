// Package ingest pulls daily Search Console metrics for each property of an
// account and stores them one property at a time.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gsc-radar/internal/metrics"
	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/store"
	"github.com/sells-group/gsc-radar/pkg/searchconsole"
)

// Config sizes the ingestion window and the upstream and storage batches.
type Config struct {
	AnalysisWindowDays int
	LagDays            int
	SafetyBufferDays   int
	PageSize           int
	BatchSize          int
}

func (c Config) withDefaults() Config {
	if c.AnalysisWindowDays <= 0 {
		c.AnalysisWindowDays = 14
	}
	if c.LagDays < 0 {
		c.LagDays = 0
	}
	if c.SafetyBufferDays < 0 {
		c.SafetyBufferDays = 0
	}
	if c.PageSize <= 0 {
		c.PageSize = 25000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

// Plan is the inclusive date range fetched for one property.
type Plan struct {
	Start    time.Time
	End      time.Time
	Backfill bool
}

// Days is the number of calendar days the plan covers.
func (p Plan) Days() int {
	return int(p.End.Sub(p.Start)/(24*time.Hour)) + 1
}

// Progress records per-property progress on the run.
type Progress interface {
	SetProgress(ctx context.Context, accountID, runID, step string, current, total int) error
}

// LivenessChecker is the cooperative cancellation check.
type LivenessChecker interface {
	Continue(ctx context.Context, boundary string) (bool, error)
}

// Result is the outcome of ingesting an account.
type Result struct {
	// Safe lists the properties whose every source was stored.
	Safe []model.Property
	// Failed counts properties excluded after an error.
	Failed int
	// Cancelled is set when the liveness check reported the run inactive.
	Cancelled bool
}

// Orchestrator runs the sequential per-property ingest.
type Orchestrator struct {
	metrics  store.MetricStore
	progress Progress
	cfg      Config
	now      func() time.Time
}

// New creates an Orchestrator.
func New(ms store.MetricStore, progress Progress, cfg Config) *Orchestrator {
	return &Orchestrator{metrics: ms, progress: progress, cfg: cfg.withDefaults(), now: time.Now}
}

// Run ingests every property in order. A property that fails is logged and
// left out of Result.Safe; an auth failure or a liveness check error aborts the run.
func (o *Orchestrator) Run(ctx context.Context, accountID, runID string, api searchconsole.API, props []model.Property, live LivenessChecker) (*Result, error) {
	log := zap.L().With(zap.String("account_id", accountID), zap.String("run_id", runID))
	res := &Result{}
	total := len(props)

	for i, prop := range props {
		ok, err := live.Continue(ctx, "ingest:"+prop.SiteURL)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Cancelled = true
			return res, nil
		}

		step := fmt.Sprintf("Processing [%d/%d]: %s", i+1, total, prop.SiteURL)
		if err := o.progress.SetProgress(ctx, accountID, runID, step, i, total); err != nil {
			return res, err
		}

		n, err := o.Property(ctx, api, prop)
		switch {
		case err == nil:
			res.Safe = append(res.Safe, prop)
			metrics.PropertiesIngested.WithLabelValues(metrics.OutcomeSucceeded).Inc()
			log.Info("ingest: property stored", zap.String("site_url", prop.SiteURL), zap.Int64("rows", n))
		case errors.Is(err, searchconsole.ErrAuth), ctx.Err() != nil:
			return res, err
		default:
			res.Failed++
			metrics.PropertiesIngested.WithLabelValues(metrics.OutcomeFailed).Inc()
			log.Error("ingest: property failed, excluding from analysis",
				zap.String("site_url", prop.SiteURL),
				zap.String("property_id", prop.ID),
				zap.Error(err),
			)
		}

		if err := o.progress.SetProgress(ctx, accountID, runID, step, i+1, total); err != nil {
			return res, err
		}
	}
	return res, nil
}

// PlanWindow picks a backfill when any source is missing days of the
// lag-adjusted analysis window, otherwise the single most recent final day.
func (o *Orchestrator) PlanWindow(ctx context.Context, propertyID string) (Plan, error) {
	end := model.Day(o.now()).AddDate(0, 0, -o.cfg.LagDays)
	from := end.AddDate(0, 0, -(o.cfg.AnalysisWindowDays - 1))

	coverage, err := o.metrics.MetricCoverage(ctx, propertyID, from, end)
	if err != nil {
		return Plan{}, eris.Wrap(err, "ingest: plan window")
	}
	for _, src := range model.AllSources {
		if coverage[src] < o.cfg.AnalysisWindowDays {
			span := o.cfg.AnalysisWindowDays + o.cfg.LagDays + o.cfg.SafetyBufferDays
			return Plan{Start: end.AddDate(0, 0, -(span - 1)), End: end, Backfill: true}, nil
		}
	}
	return Plan{Start: end, End: end}, nil
}

// Property fetches all three sources for one property, then stores them in
// a single transaction. Nothing is written unless every fetch succeeded.
func (o *Orchestrator) Property(ctx context.Context, api searchconsole.API, prop model.Property) (int64, error) {
	plan, err := o.PlanWindow(ctx, prop.ID)
	if err != nil {
		return 0, err
	}

	var rows []model.MetricRow
	for _, f := range fetches {
		got, err := o.fetch(ctx, api, prop, plan, f)
		if err != nil {
			return 0, eris.Wrapf(err, "ingest: fetch %s rows for %s", f.source, prop.SiteURL)
		}
		rows = append(rows, got...)
	}

	n, err := o.metrics.SaveMetrics(ctx, prop.ID, rows, o.cfg.BatchSize)
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: save metrics for %s", prop.SiteURL)
	}
	for src, c := range countBySource(rows) {
		metrics.MetricRowsSaved.WithLabelValues(string(src)).Add(float64(c))
	}

	zap.L().Debug("ingest: window fetched",
		zap.String("site_url", prop.SiteURL),
		zap.Bool("backfill", plan.Backfill),
		zap.Int("days", plan.Days()),
		zap.Int("rows", len(rows)),
	)
	return n, nil
}

// fetchSpec maps one upstream breakdown to a metric source. dimIdx is the
// position of the non-date key, or -1 for the site aggregate.
type fetchSpec struct {
	source     model.Source
	dimensions []string
	dimIdx     int
	normalize  func(string) string
}

var fetches = []fetchSpec{
	{source: model.SourceSite, dimensions: []string{searchconsole.DimDate}, dimIdx: -1},
	{source: model.SourcePage, dimensions: []string{searchconsole.DimPage, searchconsole.DimDate}, dimIdx: 0},
	{source: model.SourceDevice, dimensions: []string{searchconsole.DimDevice, searchconsole.DimDate}, dimIdx: 0, normalize: strings.ToLower},
}

func (o *Orchestrator) fetch(ctx context.Context, api searchconsole.API, prop model.Property, plan Plan, f fetchSpec) ([]model.MetricRow, error) {
	var out []model.MetricRow
	for start := 0; ; start += o.cfg.PageSize {
		page, err := api.Query(ctx, prop.SiteURL, searchconsole.Query{
			StartDate:  plan.Start,
			EndDate:    plan.End,
			Dimensions: f.dimensions,
			RowLimit:   o.cfg.PageSize,
			StartRow:   start,
		})
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			row, err := toMetricRow(prop.ID, f, r)
			if err != nil {
				return nil, err
			}
			out = append(out, row)
		}
		if len(page) < o.cfg.PageSize {
			return out, nil
		}
	}
}

func toMetricRow(propertyID string, f fetchSpec, r searchconsole.Row) (model.MetricRow, error) {
	if len(r.Keys) != len(f.dimensions) {
		return model.MetricRow{}, eris.Errorf("ingest: %s row has %d keys, want %d", f.source, len(r.Keys), len(f.dimensions))
	}
	date, err := time.Parse(model.DateLayout, r.Keys[len(r.Keys)-1])
	if err != nil {
		return model.MetricRow{}, eris.Wrapf(err, "ingest: parse %s row date", f.source)
	}

	row := model.MetricRow{
		PropertyID:  propertyID,
		Source:      f.source,
		Date:        date,
		Clicks:      int64(math.Round(r.Clicks)),
		Impressions: int64(math.Round(r.Impressions)),
		CTR:         r.CTR,
	}
	if f.dimIdx >= 0 {
		row.DimKey = r.Keys[f.dimIdx]
		if f.normalize != nil {
			row.DimKey = f.normalize(row.DimKey)
		}
	}
	// Zero means the API reported no position for the day.
	if r.Position > 0 {
		p := r.Position
		row.Position = &p
	}
	return row, nil
}

func countBySource(rows []model.MetricRow) map[model.Source]int {
	out := make(map[model.Source]int, len(model.AllSources))
	for _, r := range rows {
		out[r.Source]++
	}
	return out
}

// Package analysis classifies per-dimension visibility changes for properties
// whose ingest succeeded.
package analysis

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/store"
	"github.com/sells-group/gsc-radar/internal/window"
)

// Result is one analyzer's output for one property.
type Result struct {
	PropertyID string
	Dimension  model.Source
	Changes    []model.VisibilityChange
}

// Counts tallies the changes by category.
func (r Result) Counts() map[string]int {
	out := make(map[string]int, 4)
	for _, c := range r.Changes {
		out[c.Category]++
	}
	return out
}

// Analyzer produces the visibility deltas of one property.
type Analyzer interface {
	Dimension() model.Source
	Analyze(ctx context.Context, accountID string, prop model.Property) (*Result, error)
}

// Config controls the comparison windows.
type Config struct {
	HalfWindowDays int
	ThresholdPct   float64
}

// DimensionAnalyzer compares the two most recent windows of one dimension
// and stores the classified keys, replacing the previous output.
type DimensionAnalyzer struct {
	metrics store.MetricStore
	dim     model.Source
	cfg     Config
	now     func() time.Time
}

// NewDimensionAnalyzer returns an analyzer for dim.
func NewDimensionAnalyzer(ms store.MetricStore, dim model.Source, cfg Config) *DimensionAnalyzer {
	if cfg.HalfWindowDays <= 0 {
		cfg.HalfWindowDays = window.DefaultHalf
	}
	if cfg.ThresholdPct <= 0 {
		cfg.ThresholdPct = 40
	}
	return &DimensionAnalyzer{metrics: ms, dim: dim, cfg: cfg, now: time.Now}
}

// Dimension returns the grouping dimension.
func (a *DimensionAnalyzer) Dimension() model.Source { return a.dim }

// Analyze loads the property's last two windows anchored at its latest date.
// A property with no rows for the dimension yields an empty result.
func (a *DimensionAnalyzer) Analyze(ctx context.Context, accountID string, prop model.Property) (*Result, error) {
	res := &Result{PropertyID: prop.ID, Dimension: a.dim}

	latest, err := a.metrics.LatestMetricDate(ctx, prop.ID, a.dim)
	if err != nil {
		return nil, eris.Wrapf(err, "analysis: latest %s date", a.dim)
	}
	if latest == nil {
		return res, nil
	}

	from := latest.AddDate(0, 0, -(2*a.cfg.HalfWindowDays - 1))
	rows, err := a.metrics.LoadMetrics(ctx, prop.ID, a.dim, from, *latest)
	if err != nil {
		return nil, eris.Wrapf(err, "analysis: load %s metrics", a.dim)
	}

	analyzedAt := a.now().UTC()
	res.Changes = window.Classify(rows, a.cfg.HalfWindowDays, a.cfg.ThresholdPct)
	for i := range res.Changes {
		res.Changes[i].PropertyID = prop.ID
		res.Changes[i].Dimension = a.dim
		res.Changes[i].AnalyzedAt = analyzedAt
	}

	if err := a.metrics.ReplaceVisibility(ctx, prop.ID, a.dim, res.Changes); err != nil {
		return nil, eris.Wrapf(err, "analysis: store %s visibility", a.dim)
	}

	zap.L().Debug("analysis: property analyzed",
		zap.String("account_id", accountID),
		zap.String("site_url", prop.SiteURL),
		zap.String("dimension", string(a.dim)),
		zap.Any("counts", res.Counts()),
	)
	return res, nil
}

// Stage runs independent analyzers concurrently over the safe properties.
type Stage struct {
	analyzers []Analyzer
}

// NewStage creates a Stage.
func NewStage(analyzers ...Analyzer) *Stage {
	return &Stage{analyzers: analyzers}
}

// Run gives each analyzer its own goroutine. Within an analyzer properties
// are processed in order. The first error cancels the others.
func (s *Stage) Run(ctx context.Context, accountID string, props []model.Property) ([]Result, error) {
	results := make([][]Result, len(s.analyzers))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range s.analyzers {
		g.Go(func() error {
			for _, p := range props {
				r, err := a.Analyze(gctx, accountID, p)
				if err != nil {
					return eris.Wrapf(err, "analysis: %s analyzer on %s", a.Dimension(), p.SiteURL)
				}
				results[i] = append(results[i], *r)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Result
	for _, rs := range results {
		out = append(out, rs...)
	}
	return out, nil
}

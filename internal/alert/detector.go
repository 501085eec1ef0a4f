// Package alert evaluates site-level impressions for drops and records
// alerts. It never sends mail; the dispatcher picks alerts up later.
package alert

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gsc-radar/internal/metrics"
	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/store"
	"github.com/sells-group/gsc-radar/internal/window"
)

// Decision is the detector's verdict for one property.
type Decision string

const (
	DecisionTriggered    Decision = "triggered"
	DecisionNoData       Decision = "no_data"
	DecisionNoiseFloor   Decision = "skipped_noise_floor"
	DecisionBelowDrop    Decision = "below_threshold"
	DecisionDeduplicated Decision = "skipped_dedup"
)

// Config holds the trigger thresholds.
type Config struct {
	NoiseFloor       float64
	DropThresholdPct float64
	DedupWindow      time.Duration
	HalfWindowDays   int
}

func (c Config) withDefaults() Config {
	if c.NoiseFloor <= 0 {
		c.NoiseFloor = 100
	}
	if c.DropThresholdPct >= 0 {
		c.DropThresholdPct = -10
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 24 * time.Hour
	}
	if c.HalfWindowDays <= 0 {
		c.HalfWindowDays = window.DefaultHalf
	}
	return c
}

// Evaluation is the detector's result for one property.
type Evaluation struct {
	Property   model.Property
	Comparison window.Comparison
	Decision   Decision
	Alert      *model.Alert
}

// Store is the persistence the detector needs.
type Store interface {
	LatestMetricDate(ctx context.Context, propertyID string, source model.Source) (*time.Time, error)
	LoadMetrics(ctx context.Context, propertyID string, source model.Source, from, to time.Time) ([]model.MetricRow, error)
	RecentAlertExists(ctx context.Context, accountID, propertyID, alertType string, since time.Time) (bool, error)
	InsertAlert(ctx context.Context, a *model.Alert) error
}

var _ Store = (store.Store)(nil)

// Detector compares the last two windows of site impressions.
type Detector struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewDetector creates a Detector.
func NewDetector(st Store, cfg Config) *Detector {
	return &Detector{store: st, cfg: cfg.withDefaults(), now: time.Now}
}

// Detect evaluates every property and inserts an alert for each trigger.
func (d *Detector) Detect(ctx context.Context, accountID string, props []model.Property) ([]Evaluation, error) {
	out := make([]Evaluation, 0, len(props))
	for _, p := range props {
		ev, err := d.Evaluate(ctx, accountID, p)
		if err != nil {
			return out, err
		}
		out = append(out, *ev)
	}
	return out, nil
}

// Evaluate applies the noise floor, the drop threshold and the dedup window
// to one property, in that order.
func (d *Detector) Evaluate(ctx context.Context, accountID string, prop model.Property) (*Evaluation, error) {
	log := zap.L().With(
		zap.String("account_id", accountID),
		zap.String("property_id", prop.ID),
		zap.String("site_url", prop.SiteURL),
	)
	ev := &Evaluation{Property: prop}

	latest, err := d.store.LatestMetricDate(ctx, prop.ID, model.SourceSite)
	if err != nil {
		return nil, eris.Wrap(err, "alert: latest site date")
	}
	if latest == nil {
		ev.Decision = DecisionNoData
		d.record(log, ev)
		return ev, nil
	}

	from := latest.AddDate(0, 0, -(2*d.cfg.HalfWindowDays - 1))
	rows, err := d.store.LoadMetrics(ctx, prop.ID, model.SourceSite, from, *latest)
	if err != nil {
		return nil, eris.Wrap(err, "alert: load site metrics")
	}
	ev.Comparison = window.Compare(rows, d.cfg.HalfWindowDays)

	prev := float64(ev.Comparison.Prev.Impressions)
	delta := ev.Comparison.ImpressionsDelta()
	switch {
	case prev < d.cfg.NoiseFloor:
		ev.Decision = DecisionNoiseFloor
	case delta > d.cfg.DropThresholdPct:
		ev.Decision = DecisionBelowDrop
	}
	if ev.Decision != "" {
		d.record(log, ev)
		return ev, nil
	}

	now := d.now().UTC()
	exists, err := d.store.RecentAlertExists(ctx, accountID, prop.ID, model.AlertTypeImpressionDrop, now.Add(-d.cfg.DedupWindow))
	if err != nil {
		return nil, eris.Wrap(err, "alert: dedup check")
	}
	if exists {
		ev.Decision = DecisionDeduplicated
		d.record(log, ev)
		return ev, nil
	}

	a := &model.Alert{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		PropertyID:      prop.ID,
		AlertType:       model.AlertTypeImpressionDrop,
		PrevWindowValue: prev,
		LastWindowValue: float64(ev.Comparison.Last.Impressions),
		DeltaPct:        delta,
		TriggeredAt:     now,
	}
	if err := d.store.InsertAlert(ctx, a); err != nil {
		return nil, eris.Wrap(err, "alert: insert")
	}
	ev.Decision = DecisionTriggered
	ev.Alert = a
	d.record(log, ev)
	return ev, nil
}

func (d *Detector) record(log *zap.Logger, ev *Evaluation) {
	metrics.AlertDecisions.WithLabelValues(string(ev.Decision)).Inc()
	log.Info("alert: evaluated",
		zap.String("decision", string(ev.Decision)),
		zap.Int64("prev_impressions", ev.Comparison.Prev.Impressions),
		zap.Int64("last_impressions", ev.Comparison.Last.Impressions),
		zap.Float64("delta_pct", ev.Comparison.ImpressionsDelta()),
	)
}

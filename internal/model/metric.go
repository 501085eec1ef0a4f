package model

import "time"

// Source identifies which upstream breakdown a metric row came from.
type Source string

const (
	SourceSite   Source = "site"
	SourcePage   Source = "page"
	SourceDevice Source = "device"
)

// AllSources lists the three sources a property must cover to be caught up.
var AllSources = []Source{SourceSite, SourcePage, SourceDevice}

// DateLayout is the calendar-date format used for metric dates.
const DateLayout = "2006-01-02"

// MetricRow is one daily observation for a property. DimKey is the page URL
// or device name, or empty for the site aggregate.
type MetricRow struct {
	PropertyID  string
	Source      Source
	DimKey      string
	Date        time.Time
	Clicks      int64
	Impressions int64
	CTR         float64
	Position    *float64
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Change categories produced by set classification.
const (
	ChangeNew  = "new"
	ChangeLost = "lost"
	ChangeGain = "gain"
	ChangeDrop = "drop"
)

// VisibilityChange is one classified key from a dimension analysis.
type VisibilityChange struct {
	PropertyID      string    `json:"property_id" yaml:"property_id"`
	Dimension       Source    `json:"dimension" yaml:"dimension"`
	Key             string    `json:"key" yaml:"key"`
	Category        string    `json:"category" yaml:"category"`
	PrevImpressions int64     `json:"prev_impressions" yaml:"prev_impressions"`
	LastImpressions int64     `json:"last_impressions" yaml:"last_impressions"`
	PrevClicks      int64     `json:"prev_clicks" yaml:"prev_clicks"`
	LastClicks      int64     `json:"last_clicks" yaml:"last_clicks"`
	DeltaPct        float64   `json:"delta_pct" yaml:"delta_pct"`
	AnalyzedAt      time.Time `json:"analyzed_at" yaml:"analyzed_at"`
}

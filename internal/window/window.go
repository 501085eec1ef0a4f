// Package window splits dated metric rows into two comparable periods and
// aggregates them. Every analyzer and the alert detector use it so the period
// boundaries are identical everywhere.
package window

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/gsc-radar/internal/model"
)

// DefaultHalf is the number of days in each of the two compared windows.
const DefaultHalf = 7

// Aggregate is the summary of one window.
type Aggregate struct {
	Days         int     `json:"days"`
	Clicks       int64   `json:"clicks"`
	Impressions  int64   `json:"impressions"`
	CTR          float64 `json:"ctr"`
	Position     float64 `json:"position"`
	PositionDays int     `json:"position_days"`
}

// Comparison holds the last and previous windows anchored at Anchor.
type Comparison struct {
	Anchor time.Time `json:"anchor"`
	Last   Aggregate `json:"last"`
	Prev   Aggregate `json:"prev"`
}

// ImpressionsDelta is the safe percentage change of impressions.
func (c Comparison) ImpressionsDelta() float64 {
	return SafeDeltaPct(float64(c.Last.Impressions), float64(c.Prev.Impressions))
}

// DaysAgo is the whole number of calendar days from date back to anchor.
func DaysAgo(anchor, date time.Time) int {
	return int(model.Day(anchor).Sub(model.Day(date)) / (24 * time.Hour))
}

// MaxDate returns the latest row date.
func MaxDate(rows []model.MetricRow) (time.Time, bool) {
	var maxDate time.Time
	for _, r := range rows {
		if r.Date.After(maxDate) {
			maxDate = r.Date
		}
	}
	return model.Day(maxDate), !maxDate.IsZero()
}

// Split partitions rows around the data's own max date D. A row is in last
// when 0 <= D-date < half and in prev when half <= D-date < 2*half. Older
// rows are dropped.
func Split(rows []model.MetricRow, half int) (last, prev []model.MetricRow) {
	if half <= 0 {
		half = DefaultHalf
	}
	anchor, ok := MaxDate(rows)
	if !ok {
		return nil, nil
	}
	for _, r := range rows {
		switch d := DaysAgo(anchor, r.Date); {
		case d >= 0 && d < half:
			last = append(last, r)
		case d >= half && d < 2*half:
			prev = append(prev, r)
		}
	}
	return last, prev
}

// Summarize sums clicks and impressions, recomputes CTR from the sums and
// averages position over the days that reported one.
func Summarize(rows []model.MetricRow) Aggregate {
	var agg Aggregate
	days := make(map[time.Time]struct{}, len(rows))
	var posSum float64
	for _, r := range rows {
		days[model.Day(r.Date)] = struct{}{}
		agg.Clicks += r.Clicks
		agg.Impressions += r.Impressions
		if r.Position != nil {
			posSum += *r.Position
			agg.PositionDays++
		}
	}
	agg.Days = len(days)
	if agg.Impressions > 0 {
		agg.CTR = float64(agg.Clicks) / float64(agg.Impressions)
	}
	if agg.PositionDays > 0 {
		agg.Position = posSum / float64(agg.PositionDays)
	}
	return agg
}

// Compare splits rows and summarizes both windows.
func Compare(rows []model.MetricRow, half int) Comparison {
	anchor, _ := MaxDate(rows)
	last, prev := Split(rows, half)
	return Comparison{Anchor: anchor, Last: Summarize(last), Prev: Summarize(prev)}
}

// SafeDeltaPct is the percentage change from previous to current, rounded to
// two decimals. A zero baseline yields 100 when current grew and 0 otherwise.
func SafeDeltaPct(current, previous float64) float64 {
	if previous > 0 {
		return math.Round((current-previous)/previous*100*100) / 100
	}
	if current > 0 {
		return 100.0
	}
	return 0.0
}

// Classify groups rows by DimKey and labels keys by set membership across
// the two windows. Continuing keys are kept only when the absolute
// impressions delta reaches threshold.
func Classify(rows []model.MetricRow, half int, threshold float64) []model.VisibilityChange {
	last, prev := Split(rows, half)
	lastByKey := summarizeByKey(last)
	prevByKey := summarizeByKey(prev)

	var changes []model.VisibilityChange
	for key, l := range lastByKey {
		p, continuing := prevByKey[key]
		if !continuing {
			changes = append(changes, change(key, model.ChangeNew, Aggregate{}, l))
			continue
		}
		delta := SafeDeltaPct(float64(l.Impressions), float64(p.Impressions))
		if math.Abs(delta) < threshold {
			continue
		}
		category := model.ChangeGain
		if delta < 0 {
			category = model.ChangeDrop
		}
		changes = append(changes, change(key, category, p, l))
	}
	for key, p := range prevByKey {
		if _, ok := lastByKey[key]; !ok {
			changes = append(changes, change(key, model.ChangeLost, p, Aggregate{}))
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.Category != b.Category {
			return categoryRank[a.Category] < categoryRank[b.Category]
		}
		ai, bi := impact(a), impact(b)
		if ai != bi {
			return ai > bi
		}
		return a.Key < b.Key
	})
	return changes
}

var categoryRank = map[string]int{
	model.ChangeLost: 0,
	model.ChangeDrop: 1,
	model.ChangeNew:  2,
	model.ChangeGain: 3,
}

func impact(c model.VisibilityChange) int64 {
	d := c.LastImpressions - c.PrevImpressions
	if d < 0 {
		return -d
	}
	return d
}

func summarizeByKey(rows []model.MetricRow) map[string]Aggregate {
	grouped := make(map[string][]model.MetricRow)
	for _, r := range rows {
		grouped[r.DimKey] = append(grouped[r.DimKey], r)
	}
	out := make(map[string]Aggregate, len(grouped))
	for k, rs := range grouped {
		out[k] = Summarize(rs)
	}
	return out
}

func change(key, category string, prev, last Aggregate) model.VisibilityChange {
	return model.VisibilityChange{
		Key:             key,
		Category:        category,
		PrevImpressions: prev.Impressions,
		LastImpressions: last.Impressions,
		PrevClicks:      prev.Clicks,
		LastClicks:      last.Clicks,
		DeltaPct:        SafeDeltaPct(float64(last.Impressions), float64(prev.Impressions)),
	}
}

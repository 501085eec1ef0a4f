// Package metrics holds the Prometheus collectors shared by the scheduler,
// the pipeline and the dispatcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gsc_radar"

// Run outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeEmpty     = "empty"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
)

var (
	// RunsTotal counts finished pipeline runs by outcome.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by outcome",
	}, []string{"outcome"})

	// RunDuration measures wall time of runs that reached a terminal write.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "Pipeline run duration in seconds",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"outcome"})

	// ActiveRuns is the number of runs owned by this process.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "active_runs",
		Help:      "Runs currently registered on this process",
	})

	// RunsReaped counts runs force-terminated by the reaper.
	RunsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "runs_reaped_total",
		Help:      "Runs terminated for a stale heartbeat or the hard timeout",
	})

	// StaleUpdates counts conditional run writes that matched no active row.
	StaleUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "stale_updates_total",
		Help:      "Run updates that found the run already terminated",
	})

	// PropertiesIngested counts per-property ingest units by outcome.
	PropertiesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "properties_total",
		Help:      "Property ingest units by outcome",
	}, []string{"outcome"})

	// MetricRowsSaved counts daily metric rows written by ingestion.
	MetricRowsSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "rows_saved_total",
		Help:      "Daily metric rows upserted",
	}, []string{"source"})

	// UpstreamQueries counts Search Console calls by status.
	UpstreamQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "searchconsole",
		Name:      "queries_total",
		Help:      "Search Console API calls by method and status",
	}, []string{"method", "status"})

	// AlertDecisions counts detector decisions per property.
	AlertDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "decisions_total",
		Help:      "Alert detector decisions by result",
	}, []string{"decision"})

	// Deliveries counts delivery resolutions and failed sends.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "deliveries_total",
		Help:      "Delivery outcomes: sent, suppressed, failed, skipped",
	}, []string{"result"})

	// AlertsClosed counts alerts whose deliveries all resolved.
	AlertsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "alerts_closed_total",
		Help:      "Alerts closed after every delivery resolved",
	})

	// HTTPRequests counts API requests by route and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern and status",
	}, []string{"route", "code"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

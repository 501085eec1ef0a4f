package main

import (
	"github.com/sells-group/gsc-radar/internal/alert"
	"github.com/sells-group/gsc-radar/internal/analysis"
	"github.com/sells-group/gsc-radar/internal/dispatch"
	"github.com/sells-group/gsc-radar/internal/ingest"
	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/pipeline"
	"github.com/sells-group/gsc-radar/internal/report"
	"github.com/sells-group/gsc-radar/internal/store"
	"github.com/sells-group/gsc-radar/internal/tracker"
	"github.com/sells-group/gsc-radar/internal/window"
	"github.com/sells-group/gsc-radar/pkg/searchconsole"
	"github.com/sells-group/gsc-radar/pkg/sendgrid"
)

func newTracker(st store.Store) *tracker.Tracker {
	return tracker.New(st, tracker.Config{
		HeartbeatTimeout: cfg.Scheduler.HeartbeatTimeout,
		HardTimeout:      cfg.Scheduler.HardTimeout,
	}, nil)
}

func newReporter(st store.Store) *report.Reader {
	return report.NewReader(st, cfg.Ingest.AnalysisWindowDays/2)
}

// newRunner wires the account pipeline from config.
func newRunner(st store.Store, tr *tracker.Tracker) *pipeline.Runner {
	clients := searchconsole.NewFactory(searchconsole.FactoryConfig{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		Endpoint:     cfg.Google.Endpoint,
		Retries:      cfg.Google.QueryRetries,
	}, st)

	half := cfg.Ingest.AnalysisWindowDays / 2
	if half <= 0 {
		half = window.DefaultHalf
	}
	analysisCfg := analysis.Config{HalfWindowDays: half, ThresholdPct: cfg.Alerts.ClassifyThresholdPct}

	return pipeline.NewRunner(
		st,
		tr,
		clients,
		ingest.New(st, tr, ingest.Config{
			AnalysisWindowDays: cfg.Ingest.AnalysisWindowDays,
			LagDays:            cfg.Ingest.LagDays,
			SafetyBufferDays:   cfg.Ingest.SafetyBufferDays,
			PageSize:           cfg.Ingest.PageSize,
			BatchSize:          cfg.Ingest.BatchSize,
		}),
		analysis.NewStage(
			analysis.NewDimensionAnalyzer(st, model.SourcePage, analysisCfg),
			analysis.NewDimensionAnalyzer(st, model.SourceDevice, analysisCfg),
		),
		alert.NewDetector(st, alert.Config{
			NoiseFloor:       cfg.Alerts.NoiseFloor,
			DropThresholdPct: cfg.Alerts.DropThresholdPct,
			DedupWindow:      cfg.Alerts.DedupWindow,
			HalfWindowDays:   half,
		}),
		cfg.Google.AllowedPermissions,
	)
}

func newDispatcher(st store.Store) *dispatch.Dispatcher {
	opts := []sendgrid.Option{sendgrid.WithBaseURL(cfg.SendGrid.BaseURL)}
	sender := sendgrid.NewClient(cfg.SendGrid.Key, sendgrid.Address{
		Email: cfg.SendGrid.FromEmail,
		Name:  cfg.SendGrid.FromName,
	}, opts...)

	return dispatch.New(st, sender, dispatch.Config{
		Cooldown:        cfg.Dispatch.Cooldown,
		Pacing:          cfg.Dispatch.Pacing,
		ClaimLease:      cfg.Dispatch.ClaimLease,
		SendTimeout:     cfg.Dispatch.SendTimeout,
		BatchLimit:      cfg.Dispatch.BatchLimit,
		BreakerFailures: cfg.Dispatch.BreakerFailures,
	})
}

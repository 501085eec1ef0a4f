// Package store persists accounts, metrics, runs, alerts and deliveries.
// PostgresStore is the production backend; SQLiteStore serves local runs and
// behavioral tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gsc-radar/internal/db"
	"github.com/sells-group/gsc-radar/internal/model"
)

var (
	// ErrAlreadyRunning is returned by InsertRun when the account already has
	// an active run.
	ErrAlreadyRunning = eris.New("store: account already has an active run")

	// ErrNotFound is returned by single-row reads that match nothing.
	ErrNotFound = eris.New("store: not found")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	AccountID string `json:"account_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// AlertFilter specifies criteria for listing alerts.
type AlertFilter struct {
	AccountID  string    `json:"account_id"`
	PropertyID string    `json:"property_id,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}

// ReapParams bounds a reap pass. Runs with a heartbeat older than
// HeartbeatCutoff get StaleMsg; runs started before HardCutoff get HardMsg.
type ReapParams struct {
	Now             time.Time
	HeartbeatCutoff time.Time
	HardCutoff      time.Time
	StaleMsg        string
	HardMsg         string
}

// DeliveryCounts tallies an alert's deliveries by state.
type DeliveryCounts struct {
	Total      int `json:"total"`
	Unsent     int `json:"unsent"`
	Sent       int `json:"sent"`
	Suppressed int `json:"suppressed"`
}

// AccountStore manages accounts and their stored OAuth tokens.
type AccountStore interface {
	CreateAccount(ctx context.Context, email string) (*model.Account, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	MarkAccountInitialized(ctx context.Context, id string) error
	SaveToken(ctx context.Context, accountID string, token []byte) error
	LoadToken(ctx context.Context, accountID string) ([]byte, error)
}

// PropertyStore manages the monitored sites of an account.
type PropertyStore interface {
	UpsertProperties(ctx context.Context, accountID string, props []model.Property) ([]model.Property, error)
	ListProperties(ctx context.Context, accountID string) ([]model.Property, error)
	GetProperty(ctx context.Context, accountID, propertyID string) (*model.Property, error)
}

// MetricStore manages daily metric rows and analysis output.
type MetricStore interface {
	MetricCoverage(ctx context.Context, propertyID string, from, to time.Time) (map[model.Source]int, error)
	SaveMetrics(ctx context.Context, propertyID string, rows []model.MetricRow, batchSize int) (int64, error)
	LatestMetricDate(ctx context.Context, propertyID string, source model.Source) (*time.Time, error)
	LoadMetrics(ctx context.Context, propertyID string, source model.Source, from, to time.Time) ([]model.MetricRow, error)
	ReplaceVisibility(ctx context.Context, propertyID string, dim model.Source, changes []model.VisibilityChange) error
	ListVisibility(ctx context.Context, propertyID string, dim model.Source) ([]model.VisibilityChange, error)
}

// RunStore manages pipeline run rows. Every mutation is conditional on the
// run still being active.
type RunStore interface {
	ReapRuns(ctx context.Context, accountID string, p ReapParams) (int64, error)
	InsertRun(ctx context.Context, run *model.PipelineRun) error
	UpdateRun(ctx context.Context, accountID, runID string, u model.RunUpdate, now time.Time) (bool, error)
	GetRun(ctx context.Context, accountID, runID string) (*model.PipelineRun, error)
	LatestRun(ctx context.Context, accountID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)
	MarkRunsInterrupted(ctx context.Context, runIDs []string, msg string, now time.Time) (int64, error)
}

// AlertStore manages alert records.
type AlertStore interface {
	RecentAlertExists(ctx context.Context, accountID, propertyID, alertType string, since time.Time) (bool, error)
	InsertAlert(ctx context.Context, a *model.Alert) error
	ListPendingAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error)
	MarkAlertAttempted(ctx context.Context, alertID string, at time.Time) error
	CloseAlert(ctx context.Context, alertID string) (bool, error)
}

// SubscriptionStore manages alert audiences.
type SubscriptionStore interface {
	AddSubscription(ctx context.Context, sub model.Subscription) error
	RemoveSubscription(ctx context.Context, accountID, recipient, propertyID string) (bool, error)
	ListSubscriptions(ctx context.Context, accountID, propertyID string) ([]model.Subscription, error)
}

// DeliveryStore manages per-recipient delivery records.
type DeliveryStore interface {
	MaterializeDeliveries(ctx context.Context, alert model.Alert, recipients []string, now time.Time) (int64, error)
	ClaimDelivery(ctx context.Context, deliveryID, token string, now, leaseUntil time.Time) (*model.AlertDelivery, error)
	LastSentAt(ctx context.Context, accountID, propertyID, recipient string) (*time.Time, error)
	ResolveDelivery(ctx context.Context, deliveryID, token string, state model.DeliveryState, sentAt *time.Time) (bool, error)
	ReleaseDelivery(ctx context.Context, deliveryID, token string) error
	DeliveryCounts(ctx context.Context, alertID string) (DeliveryCounts, error)
	ListDeliveries(ctx context.Context, alertID string) ([]model.AlertDelivery, error)
}

// Store is the full persistence interface.
type Store interface {
	AccountStore
	PropertyStore
	MetricStore
	RunStore
	AlertStore
	SubscriptionStore
	DeliveryStore

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

var metricsUpsert = db.UpsertConfig{
	Table:        "daily_metrics",
	Columns:      []string{"property_id", "source", "dim_key", "date", "clicks", "impressions", "ctr", "position"},
	ConflictKeys: []string{"property_id", "source", "dim_key", "date"},
}

var visibilityUpsert = db.UpsertConfig{
	Table: "visibility_changes",
	Columns: []string{"property_id", "dimension", "dim_key", "category",
		"prev_impressions", "last_impressions", "prev_clicks", "last_clicks", "delta_pct", "analyzed_at"},
	ConflictKeys: []string{"property_id", "dimension", "dim_key"},
}

// deliveriesInsert ignores existing (alert, recipient) pairs.
var deliveriesInsert = db.UpsertConfig{
	Table:        "alert_deliveries",
	Columns:      []string{"id", "alert_id", "account_id", "property_id", "recipient", "state", "created_at"},
	ConflictKeys: []string{"alert_id", "recipient"},
	UpdateCols:   []string{},
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

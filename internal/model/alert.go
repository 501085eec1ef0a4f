package model

import "time"

// AlertTypeImpressionDrop is raised when a property's 7-day impressions fall
// against the prior 7 days.
const AlertTypeImpressionDrop = "impression_drop"

// Alert is an immutable trigger record. Only the dispatcher touches it
// afterwards, flipping EmailSent when every delivery is resolved.
type Alert struct {
	ID              string    `json:"id" yaml:"id"`
	AccountID       string    `json:"account_id" yaml:"account_id"`
	PropertyID      string    `json:"property_id" yaml:"property_id"`
	AlertType       string    `json:"alert_type" yaml:"alert_type"`
	PrevWindowValue float64   `json:"prev_window_value" yaml:"prev_window_value"`
	LastWindowValue float64   `json:"last_window_value" yaml:"last_window_value"`
	DeltaPct        float64   `json:"delta_pct" yaml:"delta_pct"`
	TriggeredAt     time.Time `json:"triggered_at" yaml:"triggered_at"`
	EmailSent       bool      `json:"email_sent" yaml:"email_sent"`
}

// DeliveryState is the lifecycle state of one recipient's delivery.
type DeliveryState string

const (
	DeliveryUnsent     DeliveryState = "unsent"
	DeliverySent       DeliveryState = "sent"
	DeliverySuppressed DeliveryState = "suppressed"
)

// Resolved reports whether the state is terminal.
func (s DeliveryState) Resolved() bool {
	return s == DeliverySent || s == DeliverySuppressed
}

// AlertDelivery tracks one recipient's send attempt for one alert. There is
// at most one per (alert, recipient) and it is immutable once resolved.
type AlertDelivery struct {
	ID         string        `json:"id" yaml:"id"`
	AlertID    string        `json:"alert_id" yaml:"alert_id"`
	AccountID  string        `json:"account_id" yaml:"account_id"`
	PropertyID string        `json:"property_id" yaml:"property_id"`
	Recipient  string        `json:"recipient" yaml:"recipient"`
	State      DeliveryState `json:"state" yaml:"state"`
	SentAt     *time.Time    `json:"sent_at,omitempty" yaml:"sent_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at" yaml:"created_at"`
}

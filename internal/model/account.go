package model

import "time"

// Account is the tenant root. Properties, runs, alerts and subscriptions
// all belong to exactly one account.
type Account struct {
	ID              string    `json:"id" yaml:"id"`
	Email           string    `json:"email" yaml:"email"`
	DataInitialized bool      `json:"data_initialized" yaml:"data_initialized"`
	CreatedAt       time.Time `json:"created_at" yaml:"created_at"`
}

// Property is a Search Console site monitored under an account.
type Property struct {
	ID              string    `json:"id" yaml:"id"`
	AccountID       string    `json:"account_id" yaml:"account_id"`
	SiteURL         string    `json:"site_url" yaml:"site_url"`
	BaseDomain      string    `json:"base_domain" yaml:"base_domain"`
	PermissionLevel string    `json:"permission_level" yaml:"permission_level"`
	CreatedAt       time.Time `json:"created_at" yaml:"created_at"`
}

// Subscription routes a property's alerts to one recipient.
type Subscription struct {
	AccountID  string    `json:"account_id" yaml:"account_id"`
	Recipient  string    `json:"recipient" yaml:"recipient"`
	PropertyID string    `json:"property_id" yaml:"property_id"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

package models

import "time"

const (
	WebhookStatusPending          = "pending"
	WebhookStatusApplied          = "applied"
	WebhookStatusIgnoredDuplicate = "ignored_duplicate"
	WebhookStatusIgnoredUnhandled = "ignored_unhandled"
	WebhookStatusIgnoredStale     = "ignored_stale"
	WebhookStatusFailed           = "failed"
)

// WebhookEvent is the append-only ledger of processor webhook deliveries.
// The (provider, provider_event_id) unique key is the idempotency guard:
// redeliveries hit the conflict instead of reprocessing. Rows are never
// deleted; they double as the audit trail.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	EventCreatedAt  time.Time  `gorm:"type:timestamp;not null" json:"event_created_at"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	PayloadDigest   string     `gorm:"type:char(64);not null" json:"payload_digest"`
	Status          string     `gorm:"type:varchar(32);not null;default:'pending';index" json:"status"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

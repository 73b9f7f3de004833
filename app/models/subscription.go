package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

const (
	BillingIntervalMonth = "month"
	BillingIntervalYear  = "year"
)

const (
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusUnpaid   = "unpaid"
	SubscriptionStatusExpired  = "expired"
)

// Subscription is the local record of a customer's paid plan. It is owned by
// the reconciliation engine: every status change flows through an event apply,
// guarded by LockVersion for optimistic concurrency.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	CustomerID             uint       `gorm:"not null;index" json:"customer_id"`
	PlanID                 string     `gorm:"type:varchar(50);not null;index" json:"plan_id"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	BillingInterval        string     `gorm:"type:varchar(16);not null;default:'month'" json:"billing_interval"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	LastPaymentIntentID    string     `gorm:"type:varchar(191);default:''" json:"last_payment_intent_id"`
	LastEventAt            *time.Time `gorm:"type:timestamp;default:null" json:"last_event_at,omitempty"`
	GraceExpiresAt         *time.Time `gorm:"type:timestamp;default:null" json:"grace_expires_at,omitempty"`
	LockVersion            uint       `gorm:"not null;default:0" json:"lock_version"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the subscription can no longer be revived by a
// renewal event and a new checkout is required instead.
func (s *Subscription) IsTerminal() bool {
	switch s.Status {
	case SubscriptionStatusCanceled, SubscriptionStatusExpired:
		return true
	default:
		return false
	}
}

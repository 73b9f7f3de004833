package models

import "time"

const (
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusRequiresConfirmation  = "requires_confirmation"
	IntentStatusRequiresAction        = "requires_action"
	IntentStatusSucceeded             = "succeeded"
	IntentStatusCanceled              = "canceled"
	IntentStatusFailed                = "failed"
)

// PaymentIntent mirrors a processor-side payment intent. It is created by the
// intent service and afterwards mutated only by processor callbacks or an
// explicit cancel.
type PaymentIntent struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ProviderIntentID  string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"provider_intent_id"`
	CheckoutSessionID string    `gorm:"type:varchar(64);not null;index" json:"checkout_session_id"`
	CustomerID        uint      `gorm:"not null;index" json:"customer_id"`
	PlanID            string    `gorm:"type:varchar(50);not null" json:"plan_id"`
	BillingInterval   string    `gorm:"type:varchar(16);not null;default:'month'" json:"billing_interval"`
	PromoCode         string    `gorm:"type:varchar(64);default:''" json:"promo_code"`
	Amount            int64     `gorm:"not null" json:"amount"`
	Currency          string    `gorm:"type:varchar(3);not null" json:"currency"`
	Status            string    `gorm:"type:varchar(32);not null;default:'requires_confirmation';index" json:"status"`
	ClientSecret      string    `gorm:"type:varchar(255)" json:"-"`
	LastError         string    `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

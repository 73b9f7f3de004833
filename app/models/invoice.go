package models

import "time"

const (
	InvoiceStatusPaid     = "paid"
	InvoiceStatusRefunded = "refunded"
)

// Invoice records a settled charge for a subscription period. Written by the
// invoice job after a payment_succeeded reconciliation; refunds flip the
// status without touching the subscription.
type Invoice struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	CustomerID        uint      `gorm:"not null;index" json:"customer_id"`
	SubscriptionID    uint      `gorm:"not null;index" json:"subscription_id"`
	ProviderInvoiceID string    `gorm:"type:varchar(191);default:'';index" json:"provider_invoice_id"`
	Amount            int64     `gorm:"not null" json:"amount"`
	Currency          string    `gorm:"type:varchar(3);not null" json:"currency"`
	Status            string    `gorm:"type:varchar(32);not null;default:'paid'" json:"status"`
	IssuedAt          time.Time `gorm:"type:timestamp;not null" json:"issued_at"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}

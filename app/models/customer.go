package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Customer is the minimal projection of a platform account that billing
// needs: an identity to hang subscriptions off and the reconciled effective
// plan that entitlements read. Account management itself lives elsewhere.
type Customer struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	Email              string    `gorm:"type:varchar(200);not null;uniqueIndex" json:"email"`
	Name               string    `gorm:"type:varchar(120);default:''" json:"name"`
	ProviderCustomerID string    `gorm:"type:varchar(191);default:'';index" json:"provider_customer_id"`
	EffectivePlan      string    `gorm:"type:varchar(50);not null;default:'free'" json:"effective_plan"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetOrCreateCustomerByEmail resolves a customer record for a checkout,
// creating it on first purchase.
func GetOrCreateCustomerByEmail(db *gorm.DB, email, name string) (*Customer, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	var c Customer
	err := db.Where("email = ?", e).First(&c).Error
	if err == nil {
		return &c, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	c = Customer{Email: e, Name: strings.TrimSpace(name)}
	if err := db.Create(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

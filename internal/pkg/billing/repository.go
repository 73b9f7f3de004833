package billing

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/logos-ecosystem/logos-billing/app/models"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrEventNotFound        = errors.New("webhook event not found")
)

// Repository provides the DB operations the reconciliation engine uses.
type Repository interface {
	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	GetWebhookEvent(id uint) (*models.WebhookEvent, error)
	ListWebhookEventsByStatus(status string, limit int) ([]models.WebhookEvent, error)
	SetWebhookOutcome(id uint, status, processingError string) error

	GetSubscription(id uint) (*models.Subscription, error)
	FindSubscriptionByProviderRef(provider, providerSubscriptionID string) (*models.Subscription, error)
	FindSubscriptionForAdoption(customerID uint) (*models.Subscription, error)
	ListSubscriptionsByCustomer(customerID uint) ([]models.Subscription, error)
	CreateSubscription(sub *models.Subscription) error
	UpdateSubscriptionGuarded(sub *models.Subscription) (bool, error)

	GetCustomer(id uint) (*models.Customer, error)
	FindCustomerByProviderRef(providerCustomerID string) (*models.Customer, error)
	SaveCustomer(c *models.Customer) error

	CreateInvoice(inv *models.Invoice) error
	MarkInvoiceRefunded(providerInvoiceID string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a reconciliation repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetWebhookEvent(id uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.First(&event, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *gormRepository) ListWebhookEventsByStatus(status string, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []models.WebhookEvent
	err := r.db.Where("status = ?", status).Order("id ASC").Limit(limit).Find(&events).Error
	return events, err
}

func (r *gormRepository) SetWebhookOutcome(id uint, status, processingError string) error {
	now := time.Now()
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":           status,
		"processing_error": processingError,
		"processed_at":     &now,
	}).Error
}

func (r *gormRepository) GetSubscription(id uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.First(&sub, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindSubscriptionByProviderRef(provider, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, strings.TrimSpace(providerSubscriptionID)).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindSubscriptionForAdoption finds a customer's subscription that was
// created from a payment intent and still waits for the processor's
// subscription object to arrive and claim it.
func (r *gormRepository) FindSubscriptionForAdoption(customerID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("customer_id = ? AND provider_subscription_id LIKE ?", customerID, intentRefPrefix+"%").
		Order("id DESC").First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListSubscriptionsByCustomer(customerID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("customer_id = ?", customerID).Find(&subs).Error
	return subs, err
}

func (r *gormRepository) CreateSubscription(sub *models.Subscription) error {
	return r.db.Create(sub).Error
}

// UpdateSubscriptionGuarded writes the subscription only when nobody else
// touched it since it was read. A false return means the lock version moved
// and the caller must re-read and re-apply.
func (r *gormRepository) UpdateSubscriptionGuarded(sub *models.Subscription) (bool, error) {
	res := r.db.Model(&models.Subscription{}).
		Where("id = ? AND lock_version = ?", sub.ID, sub.LockVersion).
		Updates(map[string]interface{}{
			"plan_id":                  sub.PlanID,
			"provider_subscription_id": sub.ProviderSubscriptionID,
			"billing_interval":         sub.BillingInterval,
			"status":                   sub.Status,
			"current_period_start":     sub.CurrentPeriodStart,
			"current_period_end":       sub.CurrentPeriodEnd,
			"cancel_at_period_end":     sub.CancelAtPeriodEnd,
			"last_payment_intent_id":   sub.LastPaymentIntentID,
			"last_event_at":            sub.LastEventAt,
			"grace_expires_at":         sub.GraceExpiresAt,
			"lock_version":             sub.LockVersion + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	sub.LockVersion++
	return true, nil
}

func (r *gormRepository) GetCustomer(id uint) (*models.Customer, error) {
	var c models.Customer
	if err := r.db.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) FindCustomerByProviderRef(providerCustomerID string) (*models.Customer, error) {
	var c models.Customer
	err := r.db.Where("provider_customer_id = ?", strings.TrimSpace(providerCustomerID)).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) SaveCustomer(c *models.Customer) error {
	return r.db.Save(c).Error
}

func (r *gormRepository) CreateInvoice(inv *models.Invoice) error {
	if inv.ProviderInvoiceID != "" {
		var existing models.Invoice
		err := r.db.Where("provider_invoice_id = ?", inv.ProviderInvoiceID).First(&existing).Error
		if err == nil {
			*inv = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}
	return r.db.Create(inv).Error
}

func (r *gormRepository) MarkInvoiceRefunded(providerInvoiceID string) error {
	return r.db.Model(&models.Invoice{}).
		Where("provider_invoice_id = ?", providerInvoiceID).
		Update("status", models.InvoiceStatusRefunded).Error
}

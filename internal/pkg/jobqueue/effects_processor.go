package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/logos-ecosystem/logos-billing/app/models"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/billing"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/database"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/mail"
)

// processSendReceiptJob sends the payment receipt email for a settled charge.
func (q *Queue) processSendReceiptJob(ctx context.Context, job *Job) error {
	_ = ctx

	payload, err := ReceiptPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid receipt payload: %w", err)
	}

	repo := billing.NewRepository(database.DB)
	customer, err := repo.GetCustomer(payload.CustomerID)
	if err != nil {
		return fmt.Errorf("load customer %d: %w", payload.CustomerID, err)
	}
	sub, err := repo.GetSubscription(payload.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription %d: %w", payload.SubscriptionID, err)
	}

	return mail.SendReceipt(customer.Email, customer.Name, sub.PlanID, payload.Amount, payload.Currency)
}

// processSendPaymentFailureJob sends the dunning email after a failed charge.
func (q *Queue) processSendPaymentFailureJob(ctx context.Context, job *Job) error {
	_ = ctx

	payload, err := PaymentFailurePayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid payment failure payload: %w", err)
	}

	repo := billing.NewRepository(database.DB)
	customer, err := repo.GetCustomer(payload.CustomerID)
	if err != nil {
		return fmt.Errorf("load customer %d: %w", payload.CustomerID, err)
	}
	sub, err := repo.GetSubscription(payload.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription %d: %w", payload.SubscriptionID, err)
	}

	return mail.SendPaymentFailure(customer.Email, customer.Name, sub.PlanID, payload.Reason, sub.GraceExpiresAt)
}

// processCreateInvoiceJob writes the local invoice row for a paid provider
// invoice. Creation is idempotent on the provider invoice id, so a retried
// job never duplicates the row.
func (q *Queue) processCreateInvoiceJob(ctx context.Context, job *Job) error {
	_ = ctx

	payload, err := InvoicePayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid invoice payload: %w", err)
	}

	repo := billing.NewRepository(database.DB)
	return repo.CreateInvoice(&models.Invoice{
		CustomerID:        payload.CustomerID,
		SubscriptionID:    payload.SubscriptionID,
		ProviderInvoiceID: payload.InvoiceRef,
		Amount:            payload.Amount,
		Currency:          payload.Currency,
		Status:            models.InvoiceStatusPaid,
		IssuedAt:          time.Now(),
	})
}

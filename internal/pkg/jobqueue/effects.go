package jobqueue

import (
	"fmt"

	"github.com/logos-ecosystem/logos-billing/internal/pkg/billing"
)

// jobEnqueuer is the slice of Queue the sink needs; tests swap in a fake.
type jobEnqueuer interface {
	EnqueueJob(jobType JobType, payload map[string]interface{}) (*Job, error)
}

// EffectSink turns reconciliation side effects into queued jobs.
type EffectSink struct {
	queue jobEnqueuer
}

// NewEffectSink wraps the job queue for the reconciliation service.
func NewEffectSink(q *Queue) *EffectSink {
	return &EffectSink{queue: q}
}

// Enqueue maps one effect onto its job type.
func (s *EffectSink) Enqueue(effect billing.Effect) error {
	switch effect.Kind {
	case billing.EffectSendReceipt:
		payload := &ReceiptPayload{
			CustomerID:     effect.CustomerID,
			SubscriptionID: effect.SubscriptionID,
			Amount:         effect.Amount,
			Currency:       effect.Currency,
		}
		_, err := s.queue.EnqueueJob(JobTypeSendReceipt, payload.ToMap())
		return err

	case billing.EffectSendPaymentFailure:
		payload := &PaymentFailurePayload{
			CustomerID:     effect.CustomerID,
			SubscriptionID: effect.SubscriptionID,
			Reason:         effect.Reason,
		}
		_, err := s.queue.EnqueueJob(JobTypeSendPaymentFailure, payload.ToMap())
		return err

	case billing.EffectCreateInvoice:
		payload := &InvoicePayload{
			CustomerID:     effect.CustomerID,
			SubscriptionID: effect.SubscriptionID,
			InvoiceRef:     effect.InvoiceRef,
			Amount:         effect.Amount,
			Currency:       effect.Currency,
		}
		_, err := s.queue.EnqueueJob(JobTypeCreateInvoice, payload.ToMap())
		return err
	}
	return fmt.Errorf("no job mapped for effect kind %s", effect.Kind)
}

package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Processor event types the reconciliation engine understands. Everything
// else lands in the ledger as ignored_unhandled.
const (
	EventPaymentSucceeded    = "payment_intent.succeeded"
	EventPaymentFailed       = "payment_intent.payment_failed"
	EventChargeRefunded      = "charge.refunded"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
	EventCheckoutCompleted   = "checkout.session.completed"
)

var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is the parsed processor webhook envelope plus the object fields the
// reducer reads. Fields not present for a given event type stay zero.
type Event struct {
	ID        string
	Type      string
	CreatedAt time.Time

	// Object references. Which ones are set depends on Type.
	ObjectID        string // intent, subscription, invoice or charge id
	CustomerRef     string
	SubscriptionRef string
	InvoiceRef      string
	PriceRef        string

	Amount            int64
	Currency          string
	Interval          string
	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	FailureReason     string

	CheckoutSessionID string
}

type rawEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a processor webhook payload into an Event. Unknown event
// types still parse; only a broken envelope is an error, because such a
// delivery cannot even be recorded under a stable event id.
func ParseEvent(payload []byte) (*Event, error) {
	var env rawEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.Type) == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	ev := &Event{
		ID:        env.ID,
		Type:      env.Type,
		CreatedAt: time.Unix(env.Created, 0).UTC(),
	}
	if len(env.Data.Object) == 0 {
		return ev, nil
	}

	switch {
	case strings.HasPrefix(env.Type, "payment_intent."):
		var obj struct {
			ID       string `json:"id"`
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
			Customer string `json:"customer"`
			Metadata struct {
				CheckoutSessionID string `json:"checkout_session_id"`
			} `json:"metadata"`
			LastPaymentError struct {
				Code        string `json:"code"`
				DeclineCode string `json:"decline_code"`
			} `json:"last_payment_error"`
		}
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		ev.ObjectID = obj.ID
		ev.Amount = obj.Amount
		ev.Currency = obj.Currency
		ev.CustomerRef = obj.Customer
		ev.CheckoutSessionID = obj.Metadata.CheckoutSessionID
		ev.FailureReason = obj.LastPaymentError.DeclineCode
		if ev.FailureReason == "" {
			ev.FailureReason = obj.LastPaymentError.Code
		}

	case strings.HasPrefix(env.Type, "customer.subscription."):
		var obj struct {
			ID                 string `json:"id"`
			Customer           string `json:"customer"`
			Status             string `json:"status"`
			CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
			CurrentPeriodStart int64  `json:"current_period_start"`
			CurrentPeriodEnd   int64  `json:"current_period_end"`
			Items              struct {
				Data []struct {
					Price struct {
						ID string `json:"id"`
					} `json:"price"`
					Plan struct {
						Interval string `json:"interval"`
					} `json:"plan"`
				} `json:"data"`
			} `json:"items"`
		}
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		ev.ObjectID = obj.ID
		ev.SubscriptionRef = obj.ID
		ev.CustomerRef = obj.Customer
		ev.Status = obj.Status
		ev.CancelAtPeriodEnd = obj.CancelAtPeriodEnd
		ev.PeriodStart = unixTime(obj.CurrentPeriodStart)
		ev.PeriodEnd = unixTime(obj.CurrentPeriodEnd)
		if len(obj.Items.Data) > 0 {
			ev.PriceRef = obj.Items.Data[0].Price.ID
			ev.Interval = obj.Items.Data[0].Plan.Interval
		}

	case strings.HasPrefix(env.Type, "invoice."):
		var obj struct {
			ID           string `json:"id"`
			Customer     string `json:"customer"`
			Subscription string `json:"subscription"`
			AmountPaid   int64  `json:"amount_paid"`
			AmountDue    int64  `json:"amount_due"`
			Currency     string `json:"currency"`
		}
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		ev.ObjectID = obj.ID
		ev.InvoiceRef = obj.ID
		ev.CustomerRef = obj.Customer
		ev.SubscriptionRef = obj.Subscription
		ev.Currency = obj.Currency
		ev.Amount = obj.AmountPaid
		if ev.Amount == 0 {
			ev.Amount = obj.AmountDue
		}

	case strings.HasPrefix(env.Type, "charge."):
		var obj struct {
			ID             string `json:"id"`
			Customer       string `json:"customer"`
			Invoice        string `json:"invoice"`
			AmountRefunded int64  `json:"amount_refunded"`
			Currency       string `json:"currency"`
		}
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		ev.ObjectID = obj.ID
		ev.CustomerRef = obj.Customer
		ev.InvoiceRef = obj.Invoice
		ev.Amount = obj.AmountRefunded
		ev.Currency = obj.Currency

	case env.Type == EventCheckoutCompleted:
		var obj struct {
			ID           string `json:"id"`
			Customer     string `json:"customer"`
			Subscription string `json:"subscription"`
		}
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		ev.ObjectID = obj.ID
		ev.CustomerRef = obj.Customer
		ev.SubscriptionRef = obj.Subscription
	}

	return ev, nil
}

// PayloadDigest is the sha256 hex of the raw payload, stored alongside the
// ledger row so a redelivered event with a different body is detectable.
func PayloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

package billing

import (
	"time"

	"github.com/logos-ecosystem/logos-billing/app/models"
)

// EffectKind names a side effect the reconciliation engine wants executed
// after the state change is durably stored. Effects run through the job
// queue; losing one never corrupts subscription state.
type EffectKind string

const (
	EffectSendReceipt        EffectKind = "send_receipt"
	EffectSendPaymentFailure EffectKind = "send_payment_failure"
	EffectCreateInvoice      EffectKind = "create_invoice"
)

// Effect is one queued follow-up of an applied event.
type Effect struct {
	Kind           EffectKind
	CustomerID     uint
	SubscriptionID uint
	InvoiceRef     string
	Amount         int64
	Currency       string
	Reason         string
}

// reduceResult is the outcome of applying one event to one subscription. The
// subscription value is a modified copy; the caller persists it only when
// changed is true and the outcome is applied.
type reduceResult struct {
	sub     models.Subscription
	changed bool
	outcome string
	effects []Effect
}

// reduce applies a parsed event to a subscription snapshot. It is a pure
// function: same inputs, same result, no I/O. Out-of-order deliveries are
// detected against LastEventAt and converge to ignored_stale, so replaying
// the whole ledger in any order ends at the same state.
func reduce(sub models.Subscription, ev *Event, now time.Time, grace time.Duration) reduceResult {
	switch ev.Type {
	case EventPaymentSucceeded, EventInvoicePaid, EventPaymentFailed, EventInvoiceFailed,
		EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
	default:
		return reduceResult{sub: sub, outcome: models.WebhookStatusIgnoredUnhandled}
	}
	if stale(sub, ev) {
		return reduceResult{sub: sub, outcome: models.WebhookStatusIgnoredStale}
	}

	switch ev.Type {
	case EventPaymentSucceeded:
		return reducePaymentSuccess(sub, ev, now, false)
	case EventInvoicePaid:
		return reducePaymentSuccess(sub, ev, now, true)
	case EventPaymentFailed, EventInvoiceFailed:
		return reducePaymentFailure(sub, ev, now, grace)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return reduceSubscriptionSync(sub, ev)
	default: // EventSubscriptionDeleted
		return reduceSubscriptionDeleted(sub, ev)
	}
}

// stale reports whether the event predates the last event already applied to
// this subscription. Equal timestamps pass: processors batch events within
// the same second.
func stale(sub models.Subscription, ev *Event) bool {
	return sub.LastEventAt != nil && ev.CreatedAt.Before(*sub.LastEventAt)
}

// reducePaymentSuccess handles a successful charge against an existing
// subscription: period rolls forward and a past_due subscription recovers.
// Terminal subscriptions are never revived; the money shows up in the ledger
// and the refund path, not as a resurrected plan.
func reducePaymentSuccess(sub models.Subscription, ev *Event, now time.Time, withInvoice bool) reduceResult {
	if sub.IsTerminal() {
		return reduceResult{sub: sub, outcome: models.WebhookStatusApplied}
	}

	sub.Status = models.SubscriptionStatusActive
	sub.GraceExpiresAt = nil
	if ev.Type == EventPaymentSucceeded && ev.ObjectID != "" {
		sub.LastPaymentIntentID = ev.ObjectID
	}
	extendPeriod(&sub, now)
	touch(&sub, ev)

	effects := []Effect{{
		Kind:           EffectSendReceipt,
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
		Amount:         ev.Amount,
		Currency:       ev.Currency,
	}}
	if withInvoice {
		effects = append(effects, Effect{
			Kind:           EffectCreateInvoice,
			CustomerID:     sub.CustomerID,
			SubscriptionID: sub.ID,
			InvoiceRef:     ev.InvoiceRef,
			Amount:         ev.Amount,
			Currency:       ev.Currency,
		})
	}
	return reduceResult{sub: sub, changed: true, outcome: models.WebhookStatusApplied, effects: effects}
}

// reducePaymentFailure moves an entitled subscription into past_due with a
// grace window, and an exhausted past_due one into unpaid. The customer keeps
// access during grace; the dunning emails ride the effects.
func reducePaymentFailure(sub models.Subscription, ev *Event, now time.Time, grace time.Duration) reduceResult {
	if sub.IsTerminal() || sub.Status == models.SubscriptionStatusUnpaid {
		return reduceResult{sub: sub, outcome: models.WebhookStatusApplied}
	}

	switch sub.Status {
	case models.SubscriptionStatusPastDue:
		if sub.GraceExpiresAt != nil && now.After(*sub.GraceExpiresAt) {
			sub.Status = models.SubscriptionStatusUnpaid
			sub.GraceExpiresAt = nil
		}
	default: // active, trialing
		sub.Status = models.SubscriptionStatusPastDue
		expires := ev.CreatedAt.Add(grace)
		sub.GraceExpiresAt = &expires
	}
	touch(&sub, ev)

	return reduceResult{
		sub:     sub,
		changed: true,
		outcome: models.WebhookStatusApplied,
		effects: []Effect{{
			Kind:           EffectSendPaymentFailure,
			CustomerID:     sub.CustomerID,
			SubscriptionID: sub.ID,
			Reason:         ev.FailureReason,
		}},
	}
}

// reduceSubscriptionSync adopts the processor's view of the subscription
// object. Provider status strings match ours one to one; anything unknown is
// left alone rather than guessed.
func reduceSubscriptionSync(sub models.Subscription, ev *Event) reduceResult {
	switch ev.Status {
	case models.SubscriptionStatusTrialing,
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusCanceled,
		models.SubscriptionStatusUnpaid:
		sub.Status = ev.Status
	}
	if ev.Interval == models.BillingIntervalMonth || ev.Interval == models.BillingIntervalYear {
		sub.BillingInterval = ev.Interval
	}
	if ev.PeriodStart != nil {
		sub.CurrentPeriodStart = ev.PeriodStart
	}
	if ev.PeriodEnd != nil {
		sub.CurrentPeriodEnd = ev.PeriodEnd
	}
	sub.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
	if sub.ProviderSubscriptionID == "" && ev.SubscriptionRef != "" {
		sub.ProviderSubscriptionID = ev.SubscriptionRef
	}
	touch(&sub, ev)
	return reduceResult{sub: sub, changed: true, outcome: models.WebhookStatusApplied}
}

func reduceSubscriptionDeleted(sub models.Subscription, ev *Event) reduceResult {
	if sub.Status == models.SubscriptionStatusCanceled {
		touch(&sub, ev)
		return reduceResult{sub: sub, changed: true, outcome: models.WebhookStatusApplied}
	}
	sub.Status = models.SubscriptionStatusCanceled
	sub.GraceExpiresAt = nil
	touch(&sub, ev)
	return reduceResult{sub: sub, changed: true, outcome: models.WebhookStatusApplied}
}

// extendPeriod rolls the billing period one interval forward. The new period
// starts where the old one ended, or now when the subscription had lapsed.
func extendPeriod(sub *models.Subscription, now time.Time) {
	start := now
	if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now) {
		start = *sub.CurrentPeriodEnd
	}
	var end time.Time
	if sub.BillingInterval == models.BillingIntervalYear {
		end = start.AddDate(1, 0, 0)
	} else {
		end = start.AddDate(0, 1, 0)
	}
	sub.CurrentPeriodStart = &start
	sub.CurrentPeriodEnd = &end
}

func touch(sub *models.Subscription, ev *Event) {
	t := ev.CreatedAt
	sub.LastEventAt = &t
}

package entitlements

import (
	"strings"
	"time"

	"github.com/logos-ecosystem/logos-billing/app/models"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/catalog"
)

// PlanFree is the fallback plan for customers without any entitling
// subscription.
const PlanFree = "free"

// Entitles reports whether a subscription status currently grants plan
// access. past_due keeps access while its grace window is open; unpaid,
// canceled and expired do not.
func Entitles(sub *models.Subscription, now time.Time) bool {
	switch sub.Status {
	case models.SubscriptionStatusTrialing, models.SubscriptionStatusActive:
		return true
	case models.SubscriptionStatusPastDue:
		return sub.GraceExpiresAt == nil || now.Before(*sub.GraceExpiresAt)
	default:
		return false
	}
}

// Capabilities returns the capability set of a plan. Unknown plans and the
// free plan grant nothing.
func Capabilities(cat *catalog.Catalog, planID string) []string {
	plan, err := cat.Plan(strings.TrimSpace(planID))
	if err != nil {
		return nil
	}
	return plan.Capabilities
}

// HasCapability checks a single capability against a plan.
func HasCapability(cat *catalog.Catalog, planID, capability string) bool {
	for _, c := range Capabilities(cat, planID) {
		if c == capability {
			return true
		}
	}
	return false
}

// EffectiveCapabilities resolves a customer's capability set from the
// reconciled effective plan.
func EffectiveCapabilities(cat *catalog.Catalog, customer *models.Customer) []string {
	if customer == nil || customer.EffectivePlan == "" || customer.EffectivePlan == PlanFree {
		return nil
	}
	return Capabilities(cat, customer.EffectivePlan)
}

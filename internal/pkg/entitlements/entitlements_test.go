package entitlements

import (
	"testing"
	"time"

	"github.com/logos-ecosystem/logos-billing/app/models"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/catalog"
)

func TestEntitles(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	open := now.Add(time.Hour)
	closed := now.Add(-time.Hour)

	tests := []struct {
		name  string
		sub   models.Subscription
		wants bool
	}{
		{"active", models.Subscription{Status: models.SubscriptionStatusActive}, true},
		{"trialing", models.Subscription{Status: models.SubscriptionStatusTrialing}, true},
		{"past_due in grace", models.Subscription{Status: models.SubscriptionStatusPastDue, GraceExpiresAt: &open}, true},
		{"past_due grace elapsed", models.Subscription{Status: models.SubscriptionStatusPastDue, GraceExpiresAt: &closed}, false},
		{"unpaid", models.Subscription{Status: models.SubscriptionStatusUnpaid}, false},
		{"canceled", models.Subscription{Status: models.SubscriptionStatusCanceled}, false},
		{"expired", models.Subscription{Status: models.SubscriptionStatusExpired}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Entitles(&tc.sub, now); got != tc.wants {
				t.Fatalf("Entitles(%s) = %v, want %v", tc.sub.Status, got, tc.wants)
			}
		})
	}
}

func TestCapabilities(t *testing.T) {
	cat := catalog.New([]catalog.Plan{
		{ID: "professional", Capabilities: []string{"api_access", "priority_support"}},
	}, nil, nil, nil)

	if !HasCapability(cat, "professional", "api_access") {
		t.Fatal("professional must have api_access")
	}
	if HasCapability(cat, "professional", "sso") {
		t.Fatal("professional must not have sso")
	}
	if caps := Capabilities(cat, "unknown"); caps != nil {
		t.Fatalf("unknown plan must grant nothing, got %v", caps)
	}

	customer := &models.Customer{EffectivePlan: "free"}
	if caps := EffectiveCapabilities(cat, customer); caps != nil {
		t.Fatalf("free plan must grant nothing, got %v", caps)
	}
}

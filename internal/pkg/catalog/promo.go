package catalog

import (
	"fmt"
	"time"
)

// ValidatePromo checks a code against its validity window, plan applicability
// and redemption cap. It fails closed: any reason the code cannot reduce the
// total surfaces as ErrPromoInvalid, never as a silent zero discount.
// Validation is read-only; redemptions are counted at intent creation.
func (c *Catalog) ValidatePromo(code, planID string, now time.Time) (PromoCode, error) {
	pc, ok := c.promos[normalizeCode(code)]
	if !ok {
		return PromoCode{}, ErrPromoInvalid
	}
	if !pc.ValidFrom.IsZero() && now.Before(pc.ValidFrom) {
		return PromoCode{}, ErrPromoInvalid
	}
	if !pc.ValidUntil.IsZero() && now.After(pc.ValidUntil) {
		return PromoCode{}, ErrPromoInvalid
	}
	if len(pc.PlanIDs) > 0 && !containsPlan(pc.PlanIDs, planID) {
		return PromoCode{}, ErrPromoInvalid
	}
	if pc.MaxRedemptions > 0 && c.redemptions != nil {
		used, err := c.redemptions.Count(pc.Code)
		if err != nil {
			return PromoCode{}, fmt.Errorf("promo redemption lookup: %w", err)
		}
		if used >= pc.MaxRedemptions {
			return PromoCode{}, ErrPromoInvalid
		}
	}
	return pc, nil
}

// RedeemPromo re-validates a code and claims one redemption slot. Called at
// intent creation so a code that expired or hit its cap between Review and
// submit is caught. The claim is rolled back by the caller on intent failure.
func (c *Catalog) RedeemPromo(code, planID string, now time.Time) (PromoCode, error) {
	pc, err := c.ValidatePromo(code, planID, now)
	if err != nil {
		return PromoCode{}, err
	}
	if pc.MaxRedemptions > 0 && c.redemptions != nil {
		used, err := c.redemptions.Incr(pc.Code)
		if err != nil {
			return PromoCode{}, fmt.Errorf("promo redemption claim: %w", err)
		}
		// Incr returns the post-increment count; losing the race to the last
		// slot shows up here even though Validate passed a moment ago.
		if used > pc.MaxRedemptions {
			_, _ = c.redemptions.Decr(pc.Code)
			return PromoCode{}, ErrPromoInvalid
		}
	}
	return pc, nil
}

// ReleasePromo returns a claimed redemption slot after a failed submission.
func (c *Catalog) ReleasePromo(code string) {
	if c.redemptions == nil {
		return
	}
	if pc, ok := c.promos[normalizeCode(code)]; ok && pc.MaxRedemptions > 0 {
		_, _ = c.redemptions.Decr(pc.Code)
	}
}

// Apply computes the discount for a subtotal in minor units. Percentage
// discounts truncate toward zero; fixed discounts clamp at the subtotal.
func (p PromoCode) Apply(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	var discount int64
	switch p.Type {
	case PromoTypePercentage:
		discount = subtotal * p.Value / 100
	case PromoTypeFixedAmount:
		discount = p.Value
	default:
		return 0
	}
	if discount < 0 {
		return 0
	}
	if discount > subtotal {
		return subtotal
	}
	return discount
}

func containsPlan(planIDs []string, planID string) bool {
	for _, id := range planIDs {
		if id == planID {
			return true
		}
	}
	return false
}

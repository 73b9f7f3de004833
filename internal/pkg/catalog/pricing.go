package catalog

import "time"

// Totals is the fixed-order checkout computation. All amounts are integer
// minor currency units; formatting for display happens at the API boundary.
type Totals struct {
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount"`
	Tax      int64  `json:"tax"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

// intervalMultiplier maps the selected billing interval onto the plan's
// monthly base price.
func intervalMultiplier(interval string) int64 {
	if interval == "year" {
		return 12
	}
	return 1
}

// ComputeTotals derives checkout totals in a fixed order:
// subtotal, then discount, then tax on the discounted amount.
// The order is part of the contract and must not change.
func (c *Catalog) ComputeTotals(plan Plan, interval, promoCode, region string, now time.Time) (Totals, error) {
	subtotal := plan.Price * intervalMultiplier(interval)

	var discount int64
	if promoCode != "" {
		pc, err := c.ValidatePromo(promoCode, plan.ID, now)
		if err != nil {
			return Totals{}, err
		}
		discount = pc.Apply(subtotal)
	}

	taxable := subtotal - discount
	tax := roundHalfUpBasisPoints(taxable, c.TaxRateBasisPoints(region))

	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Tax:      tax,
		Total:    subtotal - discount + tax,
		Currency: plan.Currency,
	}, nil
}

// roundHalfUpBasisPoints computes amount * bp/10000 rounded half up,
// entirely in integer arithmetic.
func roundHalfUpBasisPoints(amount, bp int64) int64 {
	if amount <= 0 || bp <= 0 {
		return 0
	}
	return (amount*bp + 5000) / 10000
}

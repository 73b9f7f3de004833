package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/logos-ecosystem/logos-billing/internal/pkg/env"
)

var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrPromoInvalid = errors.New("invalid promo code")
)

// Plan describes a purchasable plan. Plans are immutable once referenced by a
// live subscription; price changes ship as new plan ids.
type Plan struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Price            int64    `json:"price"` // minor currency units per month
	Currency         string   `json:"currency"`
	TrialDays        int      `json:"trial_days"`
	Capabilities     []string `json:"capabilities"`
	ProviderPriceRef string   `json:"provider_price_ref"`
}

const (
	PromoTypePercentage  = "percentage"
	PromoTypeFixedAmount = "fixed_amount"
)

// PromoCode is a discount definition. Codes are matched case-insensitively.
type PromoCode struct {
	Code           string    `json:"code"`
	Type           string    `json:"type"`
	Value          int64     `json:"value"` // percent (0-100) or fixed minor units
	ValidFrom      time.Time `json:"valid_from"`
	ValidUntil     time.Time `json:"valid_until"`
	MaxRedemptions int64     `json:"max_redemptions"` // 0 = unlimited
	PlanIDs        []string  `json:"plan_ids"`        // empty = all plans
}

// Catalog is the static pricing configuration: plans, promo codes and the
// tax-jurisdiction rate table. Loaded once at boot from a JSON file.
type Catalog struct {
	plans       map[string]Plan
	byPriceRef  map[string]Plan
	promos      map[string]PromoCode
	taxRates    map[string]int64 // region -> basis points
	redemptions RedemptionCounter
}

type catalogFile struct {
	Plans      []Plan           `json:"plans"`
	PromoCodes []PromoCode      `json:"promo_codes"`
	TaxRates   map[string]int64 `json:"tax_rates"`
}

// Load reads a catalog JSON file. The redemption counter tracks promo usage
// and may be nil when caps are not enforced (tests).
func Load(path string, redemptions RedemptionCounter) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(file.Plans, file.PromoCodes, file.TaxRates, redemptions), nil
}

// LoadFromEnv loads the catalog from BILLING_CATALOG_PATH with a Redis-backed
// redemption counter.
func LoadFromEnv() (*Catalog, error) {
	path := env.GetEnv("BILLING_CATALOG_PATH", "config/catalog.json")
	return Load(path, NewRedisRedemptionCounter())
}

// New builds a catalog from already-parsed configuration.
func New(plans []Plan, promos []PromoCode, taxRates map[string]int64, redemptions RedemptionCounter) *Catalog {
	c := &Catalog{
		plans:       make(map[string]Plan, len(plans)),
		byPriceRef:  make(map[string]Plan, len(plans)),
		promos:      make(map[string]PromoCode, len(promos)),
		taxRates:    make(map[string]int64, len(taxRates)),
		redemptions: redemptions,
	}
	for _, p := range plans {
		c.plans[p.ID] = p
		if ref := strings.TrimSpace(p.ProviderPriceRef); ref != "" {
			c.byPriceRef[ref] = p
		}
	}
	for _, pc := range promos {
		c.promos[normalizeCode(pc.Code)] = pc
	}
	for region, bp := range taxRates {
		c.taxRates[strings.ToUpper(strings.TrimSpace(region))] = bp
	}
	return c
}

// Plan resolves a plan by id.
func (c *Catalog) Plan(id string) (Plan, error) {
	p, ok := c.plans[strings.TrimSpace(id)]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p, nil
}

// PlanByPriceRef resolves a plan from the processor-side price reference
// carried in webhook payloads.
func (c *Catalog) PlanByPriceRef(ref string) (Plan, bool) {
	p, ok := c.byPriceRef[strings.TrimSpace(ref)]
	return p, ok
}

// Plans returns all plans, for the catalog listing endpoint.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	return out
}

// TaxRateBasisPoints returns the jurisdiction rate for a billing region.
// Unknown regions are taxed at zero.
func (c *Catalog) TaxRateBasisPoints(region string) int64 {
	return c.taxRates[strings.ToUpper(strings.TrimSpace(region))]
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// Package billing maps payment-processor events onto subscription rows and
// owns the plan catalog those rows must stay consistent with.
package billing

import (
	"strings"

	"github.com/clipmarket/clipmarket-api-go/internal/model"
)

// planLimits is the authoritative monthly download allowance per plan.
var planLimits = map[model.Plan]int{
	model.PlanStandard: 15,
	model.PlanPro:      30,
	model.PlanBusiness: 50,
}

// Catalog resolves plans and their limits.
type Catalog struct {
	pricePlans map[string]model.Plan
	TrialLimit int
	TrialDays  int
}

// NewCatalog builds a catalog. pricePlans maps provider price ids to plan names;
// unknown plan names are dropped.
func NewCatalog(pricePlans map[string]string, trialLimit, trialDays int) *Catalog {
	c := &Catalog{
		pricePlans: make(map[string]model.Plan, len(pricePlans)),
		TrialLimit: trialLimit,
		TrialDays:  trialDays,
	}
	for price, name := range pricePlans {
		if p, ok := ParsePlan(name); ok {
			c.pricePlans[price] = p
		}
	}
	return c
}

// ParsePlan parses a plan name case-insensitively.
func ParsePlan(name string) (model.Plan, bool) {
	p := model.Plan(strings.ToLower(strings.TrimSpace(name)))
	_, ok := planLimits[p]
	return p, ok
}

// Limit returns the monthly download limit for a plan, or 0 for unknown plans.
func (c *Catalog) Limit(p model.Plan) int {
	return planLimits[p]
}

// PlanForPrice resolves a provider price id.
func (c *Catalog) PlanForPrice(priceID string) (model.Plan, bool) {
	p, ok := c.pricePlans[priceID]
	return p, ok
}

// Resolve picks a plan from an explicit name first, then from a price id.
func (c *Catalog) Resolve(name, priceID string) (model.Plan, bool) {
	if p, ok := ParsePlan(name); ok {
		return p, true
	}
	if priceID != "" {
		return c.PlanForPrice(priceID)
	}
	return "", false
}

package common

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pettag-backend/sections/models"

	"github.com/shopspring/decimal"
)

// Plan is a pricing plan entry in plans.json
type Plan struct {
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	Currency         string          `json:"currency"`
	BillingPeriod    string          `json:"billingPeriod"` // monthly, yearly or lifetime
	PlanType         string          `json:"planType"`      // tag or partner
	MaxTags          int             `json:"maxTags"`
	MaxPets          int             `json:"maxPets"`
	RequiresApproval bool            `json:"requiresApproval"`
	Inactive         bool            `json:"inactive"`
}

func LoadPlans(cfgDir string) ([]Plan, error) {
	buf, err := os.ReadFile(filepath.Join(cfgDir, DEFAULT_PLANS_FILE))
	if err != nil {
		return nil, fmt.Errorf("failed to read plans.json: %w", err)
	}

	var plans []Plan
	if err := json.Unmarshal(buf, &plans); err != nil {
		return nil, fmt.Errorf("failed to parse plans.json: %w", err)
	}

	return plans, nil
}

// PricingPlans validates plans and converts them into models for seeding
func PricingPlans(plans []Plan) ([]models.PricingPlan, error) {
	out := make([]models.PricingPlan, 0, len(plans))
	for _, p := range plans {
		period := models.BillingPeriod(p.BillingPeriod)
		if !period.Valid() {
			return nil, fmt.Errorf("plan %q: unknown billing period %q", p.Name, p.BillingPeriod)
		}
		planType := models.PlanType(p.PlanType)
		if planType != models.PlanTag && planType != models.PlanPartner {
			return nil, fmt.Errorf("plan %q: unknown plan type %q", p.Name, p.PlanType)
		}
		if p.Name == "" || !p.Price.IsPositive() {
			return nil, fmt.Errorf("plan %q: name and a positive price are required", p.Name)
		}
		out = append(out, models.PricingPlan{
			Name:             p.Name,
			Price:            p.Price,
			Currency:         strings.ToUpper(p.Currency),
			BillingPeriod:    period,
			PlanType:         planType,
			MaxTags:          p.MaxTags,
			MaxPets:          p.MaxPets,
			RequiresApproval: p.RequiresApproval,
			IsActive:         !p.Inactive,
		})
	}
	return out, nil
}

package subscription

import (
	"fmt"
	"time"

	"github.com/job-escape/users-backend/billing"
)

// Plan is an operator-managed catalog entry. The billing engine treats it
// as read-only.
type Plan struct {
	ID             string           `json:"id" gorm:"primaryKey"`
	Name           string           `json:"name"`
	PriceAmount    float64          `json:"priceAmount"`
	PriceCurrency  billing.Currency `json:"priceCurrency"`
	CurrencySymbol string           `json:"currencySymbol"`

	BillingCycleInterval  billing.Interval `json:"billingCycleInterval"`
	BillingCycleFrequency int              `json:"billingCycleFrequency"`

	TrialStandardAmount float64          `json:"trialStandardAmount"`
	TrialChaseAmount    float64          `json:"trialChaseAmount"`
	TrialTimeoutAmount  float64          `json:"trialTimeoutAmount"`
	TrialCurrency       billing.Currency `json:"trialCurrency"`
	TrialInterval       billing.Interval `json:"trialInterval"`
	TrialFrequency      int              `json:"trialFrequency"`

	IsDefault bool `json:"isDefault"`
}

// TrialAmount maps a trial tier to its first-charge price
func (p *Plan) TrialAmount(tier TrialTier) (float64, error) {
	switch tier {
	case TrialStandard:
		return p.TrialStandardAmount, nil
	case TrialChase:
		return p.TrialChaseAmount, nil
	case TrialTimeout:
		return p.TrialTimeoutAmount, nil
	default:
		return 0, fmt.Errorf("invalid trial tier %q", tier)
	}
}

// TrialExpires computes when a trial started now runs out, including the
// processing margin.
func (p *Plan) TrialExpires(now time.Time) (time.Time, error) {
	end, err := billing.CycleOffset(now, p.TrialFrequency, p.TrialInterval)
	if err != nil {
		return time.Time{}, err
	}
	return end.Add(billing.ExpiresMargin), nil
}

// NextChargeDate computes the due date of the charge that follows a
// successful renewal at now.
func (p *Plan) NextChargeDate(now time.Time) (time.Time, error) {
	return billing.CycleOffset(now, p.BillingCycleFrequency, p.BillingCycleInterval)
}

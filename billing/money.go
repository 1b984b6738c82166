package billing

import (
	"fmt"
	"math"
)

var supportedCurrencies = map[Currency]struct{}{
	AED: {}, USD: {}, AUD: {}, SGD: {}, CAD: {}, NZD: {}, GBP: {}, EUR: {},
}

// ValidCurrency reports whether c is one of the accepted plan currencies.
func ValidCurrency(c Currency) bool {
	_, ok := supportedCurrencies[c]
	return ok
}

// MinorUnits converts a major-unit amount to the provider integer amount
// (e.g. 9.99 USD -> 999). Rounded to the nearest unit to absorb float noise
// from retry discounts.
func MinorUnits(amount float64, currency Currency) (int64, error) {
	if !ValidCurrency(currency) {
		return 0, fmt.Errorf("unsupported currency %q", currency)
	}
	return int64(math.Round(amount * 100)), nil
}

// FromMinorUnits converts a provider integer amount back to major units.
func FromMinorUnits(amount int64, currency Currency) (float64, error) {
	if !ValidCurrency(currency) {
		return 0, fmt.Errorf("unsupported currency %q", currency)
	}
	return float64(amount) / 100, nil
}

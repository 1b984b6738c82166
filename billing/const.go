package billing

import "time"

// Currency is the ISO 4217 code of a chargeable currency
type Currency string

// Currencies accepted for plans. All of them use two-decimal minor units,
// which MinorUnits/FromMinorUnits rely on.
const (
	AED Currency = "AED"
	USD Currency = "USD"
	AUD Currency = "AUD"
	SGD Currency = "SGD"
	CAD Currency = "CAD"
	NZD Currency = "NZD"
	GBP Currency = "GBP"
	EUR Currency = "EUR"
)

// Interval is the unit of a billing cycle
type Interval string

// Defining valid billing cycle intervals
const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// ExpiresMargin is added on top of the next charge date when computing a
// subscription's expiry, so access does not lapse while a due charge is
// still being processed.
const ExpiresMargin = 24 * time.Hour

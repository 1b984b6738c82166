package billing

import (
	"fmt"
	"time"
)

// CycleOffset advances from against one billing cycle of the given interval
// and frequency. Month and year advances are calendar-aware (AddDate), so
// e.g. a monthly cycle started Jan 31 renews Mar 3 rather than 30 days later.
func CycleOffset(from time.Time, frequency int, interval Interval) (time.Time, error) {
	switch interval {
	case IntervalDay:
		return from.AddDate(0, 0, frequency), nil
	case IntervalWeek:
		return from.AddDate(0, 0, 7*frequency), nil
	case IntervalMonth:
		return from.AddDate(0, frequency, 0), nil
	case IntervalYear:
		return from.AddDate(frequency, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("interval %q is not a valid billing cycle interval", interval)
	}
}

// NextFriday returns the first Friday at least one day after from.
func NextFriday(from time.Time) time.Time {
	next := from.AddDate(0, 0, 1)
	for next.Weekday() != time.Friday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

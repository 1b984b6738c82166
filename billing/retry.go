package billing

import "time"

// RetryStep is one row of the dunning backoff table
type RetryStep struct {
	// Wait until the next attempt. Zero means "next Friday" (NextFriday
	// is used instead of a fixed offset).
	Wait time.Duration
	// NextFriday schedules the next attempt on the upcoming Friday
	// regardless of Wait.
	NextFriday bool
	// PriceFactor scales the plan price for the next attempt. Later
	// retries are discounted to improve recovery odds.
	PriceFactor float64
}

// RetrySchedule maps the current retry counter to the next attempt's date
// and price. Values outside the table fall back to Fallback.
type RetrySchedule struct {
	Steps    map[int]RetryStep
	Fallback RetryStep
}

// DefaultRetrySchedule returns the production dunning schedule: five
// attempts per cycle, full price for the first two retries, then 75%, 2/3
// and 50% of the plan price.
func DefaultRetrySchedule() RetrySchedule {
	return RetrySchedule{
		Steps: map[int]RetryStep{
			0: {Wait: 24 * time.Hour, PriceFactor: 1},
			1: {NextFriday: true, PriceFactor: 1},
			2: {Wait: 9 * 24 * time.Hour, PriceFactor: 0.75},
			3: {Wait: 19 * 24 * time.Hour, PriceFactor: 2.0 / 3.0},
			4: {Wait: 24 * time.Hour, PriceFactor: 0.5},
		},
		Fallback: RetryStep{Wait: 24 * time.Hour, PriceFactor: 1},
	}
}

// FastRetrySchedule compresses the waits to minutes for end-to-end
// testing against provider sandboxes. Price factors match production.
func FastRetrySchedule() RetrySchedule {
	fast := DefaultRetrySchedule()
	for retry, step := range fast.Steps {
		step.Wait = 5 * time.Minute
		step.NextFriday = false
		fast.Steps[retry] = step
	}
	fast.Fallback.Wait = 5 * time.Minute
	return fast
}

// Next computes the next attempt date and the amount to charge now, based
// on the retry counter reached so far and the plan's full amount.
func (s RetrySchedule) Next(now time.Time, retry int, amount float64) (time.Time, float64) {
	step, ok := s.Steps[retry]
	if !ok {
		step = s.Fallback
	}
	next := now.Add(step.Wait)
	if step.NextFriday {
		next = NextFriday(now)
	}
	return next, amount * step.PriceFactor
}

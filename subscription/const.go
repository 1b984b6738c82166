package subscription

// Status is the custom type to define the current state of a subscription
type Status string

// Defining the subscription state machine states. Inactive is a placeholder
// created before a 3DS challenge resolves; Canceled is terminal.
const (
	StatusInactive Status = "inactive"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusOverdue  Status = "past_due"
	StatusPaused   Status = "paused"
	StatusCanceled Status = "canceled"
)

// TrialTier is the discounted first-charge price point selected at checkout
type TrialTier string

// Defining trial tiers
const (
	TrialStandard TrialTier = "standard"
	TrialChase    TrialTier = "chase"
	TrialTimeout  TrialTier = "timeout"
)

// Billable reports whether a recurring charge may be attempted in s
func (s Status) Billable() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusOverdue:
		return true
	default:
		return false
	}
}

// Terminal reports whether s admits no further transitions
func (s Status) Terminal() bool {
	return s == StatusCanceled
}

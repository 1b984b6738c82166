package subscription

import (
	"time"

	"github.com/job-escape/users-backend/user"
)

// Subscription is the billing relationship between a user and a plan.
// UserID and PlanID stay nullable so billing history survives user or plan
// deletion.
type Subscription struct {
	ID     string `json:"id" gorm:"primaryKey"`
	UserID string `json:"userId" gorm:"index"`
	PlanID string `json:"planId" gorm:"index"`

	Status           Status    `json:"status" gorm:"index"`
	Expires          time.Time `json:"expires"` // End of the currently paid period
	PaidCounter      int64     `json:"paidCounter"`
	DateStarted      time.Time `json:"dateStarted"`
	NotificationSent bool      `json:"notificationSent"`

	User *user.User `json:"-" gorm:"foreignKey:UserID"`
	Plan *Plan      `json:"-" gorm:"foreignKey:PlanID"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// The Mark* helpers below are the only way state transitions happen. Each
// is a guarded conditional update so webhook replays and out-of-order
// deliveries cannot move a subscription backwards; callers persist the
// mutation inside a locked transaction (Manager.LambdaUpdate) and use the
// returned bool to decide whether to save and emit side effects.

// MarkTrialing applies a captured first charge: inactive -> trialing.
func (s *Subscription) MarkTrialing(expires time.Time) bool {
	if s.Status != StatusInactive {
		return false
	}
	s.Status = StatusTrialing
	s.Expires = expires
	s.PaidCounter = 1
	s.DateStarted = time.Now()
	s.NotificationSent = false
	return true
}

// MarkRenewed applies a successful recurring charge. Only billable or
// paused subscriptions renew; a stale renew event must not resurrect a
// canceled one.
func (s *Subscription) MarkRenewed(expires time.Time) bool {
	if !s.Status.Billable() && s.Status != StatusPaused {
		return false
	}
	s.Status = StatusActive
	s.Expires = expires
	s.PaidCounter++
	s.NotificationSent = false
	return true
}

// MarkOverdue applies a soft decline with retries remaining. Returns true
// only when the subscription newly enters the overdue state, which is when
// the past-due signal fires.
func (s *Subscription) MarkOverdue() bool {
	if !s.Status.Billable() || s.Status == StatusOverdue {
		return false
	}
	s.Status = StatusOverdue
	return true
}

// MarkCanceled is valid from any non-terminal state
func (s *Subscription) MarkCanceled() bool {
	if s.Status.Terminal() {
		return false
	}
	s.Status = StatusCanceled
	return true
}

// MarkPaused applies a provider-side indefinite hold
func (s *Subscription) MarkPaused() bool {
	if s.Status.Terminal() || s.Status == StatusPaused {
		return false
	}
	s.Status = StatusPaused
	return true
}

// MarkResumed restores a paused subscription
func (s *Subscription) MarkResumed() bool {
	if s.Status != StatusPaused {
		return false
	}
	s.Status = StatusActive
	return true
}

// InTrial reports whether a cancellation now happens during the trial
// period, which changes the farewell email wording and the unsubscribe
// analytics payload.
func (s *Subscription) InTrial() bool {
	return s.Status == StatusTrialing
}

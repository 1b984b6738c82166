package notification

import (
	"context"
	"time"
)

// Dispatcher schedules transactional email jobs for the mailer
// workers. Scheduling is fire-and-forget: delivery retries live with
// the worker, not the caller.
type Dispatcher interface {
	ScheduleFarewellEmail(ctx context.Context, job FarewellJob) error
	ScheduleCompleteRegistrationReminder(ctx context.Context, job ReminderJob) error
}

// FarewellJob is sent when a membership ends, either by user request
// or by dunning exhaustion. Expires tells the template until when the
// access the user already paid for stays open.
type FarewellJob struct {
	UserID   string    `json:"userId"`
	Email    string    `json:"email"`
	FullName string    `json:"fullName"`
	Status   string    `json:"status"`
	Expires  time.Time `json:"expires"`
	PlanName string    `json:"planName"`
}

// ReminderJob nudges a paying user who never finished account
// registration. CascadeStep selects the template variant for repeat
// reminders; the token signs the registration link.
type ReminderJob struct {
	UserID        string `json:"userId"`
	Email         string `json:"email"`
	CascadeStep   int    `json:"cascadeStep"`
	RegisterToken string `json:"registerToken"`
}

package analytics

import (
	"context"
	"time"
)

// Topics route product events to the funnel and webapp pipelines.
const (
	TopicFunnel string = "funnel"
	TopicApp           = "app"
)

// Event names mirror the product analytics taxonomy.
const (
	EventRecurringPayment    string = "pr_funnel_recurring_payment"
	EventSubscriptionPastDue        = "pr_funnel_subscription_past_due"
	EventTrialToSubscription        = "pr_funnel_trial_to_subscription"
	EventSubscriptionRenewal        = "pr_funnel_subscription_renewal"
	EventSubscriptionCancel         = "pr_funnel_subscription_canceled"
	EventUnsubscribed               = "pr_webapp_unsubscribed"
	EventRiskScreen                 = "pr_funnel_middleware"
	Event3DSAfter2DS                = "pr_funnel_3ds_after_2ds"
)

// Event is one product analytics fact keyed by the user it concerns.
type Event struct {
	Name       string                 `json:"name"`
	Topic      string                 `json:"topic"`
	UserID     string                 `json:"userId"`
	Email      string                 `json:"email"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
}

// Emitter forwards product events to the analytics pipeline. Emit
// failures are logged and swallowed by callers: analytics never blocks
// a charge.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// PaymentOutcome is the ledger-grade record of one executed charge
// attempt, published once per attempt for downstream reconciliation.
type PaymentOutcome struct {
	AttemptID      string    `json:"attemptId"`
	SubscriptionID string    `json:"subscriptionId"`
	UserID         string    `json:"userId"`
	Email          string    `json:"email"`
	PlanID         string    `json:"planId"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency"`
	Authorized     bool      `json:"authorized"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	Retry          int       `json:"retry"`
	PaidCounter    int64     `json:"paidCounter"`
	PaymentSystem  string    `json:"paymentSystem"`
	ExecutedAt     time.Time `json:"executedAt"`
}

// PaymentPublisher hands executed charge outcomes to the durable
// payment stream.
type PaymentPublisher interface {
	PublishOutcome(ctx context.Context, outcome PaymentOutcome) error
}

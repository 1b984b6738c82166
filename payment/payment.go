package payment

import (
	"time"

	"github.com/job-escape/users-backend/billing"
	"github.com/job-escape/users-backend/user"
)

// MethodType identifies how the instrument was captured
type MethodType string

// Defining payment method types
const (
	MethodCard      MethodType = "card"
	MethodApplePay  MethodType = "apple_pay"
	MethodGooglePay MethodType = "google_pay"
)

// Attempt is one scheduled or executed charge try against a subscription.
// Once Executed is set the row is immutable; the next try is always a new
// row. Attempts are never deleted.
type Attempt struct {
	ID             string `json:"id" gorm:"primaryKey"`
	SubscriptionID string `json:"subscriptionId" gorm:"index:idx_attempts_due"`

	DateDue  time.Time `json:"dateDue" gorm:"index:idx_attempts_due"`
	Retry    int       `json:"retry"` // 0-based attempt-in-cycle counter
	Executed bool      `json:"executed" gorm:"index:idx_attempts_due"`

	Response        string `json:"response"`
	ResponseCode    string `json:"responseCode"`
	ResponseSummary string `json:"responseSummary"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Method is a user-level captured instrument. Exactly one per user is
// selected; recurring charges read the selected method, so one card can
// back multiple subscriptions and upsells.
type Method struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	UserID     string     `json:"userId" gorm:"index"`
	Type       MethodType `json:"type"`
	IsSelected bool       `json:"isSelected" gorm:"index"`

	CustomerID   string `json:"customerId"` // Provider-side customer reference
	PaymentID    string `json:"paymentId"`  // First charge id, used for network continuity on recurring charges
	SourceID     string `json:"sourceId"`   // Tokenized instrument reference
	CardScheme   string `json:"cardScheme"`
	CardLast4    string `json:"cardLast4"`
	CardExpMonth string `json:"cardExpMonth"`
	CardExpYear  string `json:"cardExpYear"`
	Fingerprint  string `json:"fingerprint"`
	ThreeDS      bool   `json:"threeDs"`

	CreatedAt time.Time `json:"createdAt"`
}

// Binding is the per-provider link between a subscription and the opaque
// identifiers needed to bill it without re-presenting card data. One per
// subscription, created at first successful charge.
type Binding struct {
	ID             string             `json:"id" gorm:"primaryKey"`
	SubscriptionID string             `json:"subscriptionId" gorm:"uniqueIndex"`
	System         user.PaymentSystem `json:"system"`

	PaymentID  string `json:"paymentId"`
	SourceID   string `json:"sourceId"`
	CardScheme string `json:"cardScheme"` // Backfilled lazily when the provider omits it
	ThreeDS    bool   `json:"threeDs"`

	// ProviderSubscriptionID is the provider-side subscription id for
	// gateways that own the recurring schedule (Solidgate).
	ProviderSubscriptionID string `json:"providerSubscriptionId" gorm:"index"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PendingCharge is a first charge parked on a 3DS challenge. The row
// carries everything needed to finish checkout once the provider reports
// the final outcome, and is deleted when the payment resolves.
type PendingCharge struct {
	PaymentID string `json:"paymentId" gorm:"primaryKey"`
	UserID    string `json:"userId" gorm:"index"`
	PlanID    string `json:"planId"`
	TrialTier string `json:"trialTier"`

	System     user.PaymentSystem `json:"system"`
	MethodType MethodType         `json:"methodType"`
	CustomerID string             `json:"customerId"`

	Amount   float64          `json:"amount"`
	Currency billing.Currency `json:"currency"`

	RiskRecordID string `json:"riskRecordId"`

	CreatedAt time.Time `json:"createdAt"`
}

// Transaction is one ledger row per settled charge
type Transaction struct {
	ID             string           `json:"id" gorm:"primaryKey"`
	SubscriptionID string           `json:"subscriptionId" gorm:"index"`
	MethodID       string           `json:"methodId"`
	PaymentID      string           `json:"paymentId" gorm:"index"`
	Amount         float64          `json:"amount"`
	Currency       billing.Currency `json:"currency"`
	CreatedAt      time.Time        `json:"createdAt"`
}

package gateway

import (
	"context"
	"fmt"

	"github.com/job-escape/users-backend/billing"
	"github.com/job-escape/users-backend/payment"
	"github.com/job-escape/users-backend/subscription"
	"github.com/job-escape/users-backend/user"
)

// Outcome discriminates the definitive results of a charge call.
type Outcome string

const (
	OutcomeAuthorized Outcome = "authorized"
	OutcomeDeclined   Outcome = "declined"
	// OutcomePending means a 3DS challenge is in progress and the final
	// outcome will arrive via redirect or webhook.
	OutcomePending Outcome = "pending"
)

// ChargeResult normalizes every provider's charge response to three
// outcomes so the billing engine never branches on provider identity.
// Only the fields of the reported outcome are populated.
type ChargeResult struct {
	Outcome Outcome

	// Authorized
	PaymentID    string
	SourceID     string
	Fingerprint  string
	CardScheme   string
	CardLast4    string
	CardExpMonth string
	CardExpYear  string
	ThreeDSUsed  bool
	// ProviderSubscriptionID is set by gateways that own the recurring
	// schedule themselves.
	ProviderSubscriptionID string

	// Declined
	ErrorCode    string
	ErrorMessage string

	// Pending
	RedirectURL string
	PendingID   string
}

// Error is a transport or validation failure talking to a provider:
// timeout, malformed request, auth failure. It is never a business
// decline; callers must treat it as "outcome unknown".
type Error struct {
	System user.PaymentSystem
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %s: %v", e.System, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a gateway transport failure
func IsTransport(err error) bool {
	_, ok := err.(*Error)
	return ok
}

// FirstCharge is the input to an initial, customer-initiated charge.
// Token is the one-time instrument token minted by the client SDK.
type FirstCharge struct {
	UserID     string
	Email      string
	IP         string
	CustomerID string
	Token      string
	OrderID    string
	Amount     float64
	Currency   billing.Currency
	Force3DS   bool
}

// RecurringCharge is the input to a merchant-initiated charge against a
// stored instrument. PreviousPaymentID carries the prior charge id the
// card networks require for continuity.
type RecurringCharge struct {
	UserID            string
	Email             string
	IP                string
	CustomerID        string
	SourceID          string
	PreviousPaymentID string
	OrderID           string
	Amount            float64
	Currency          billing.Currency
	ThreeDS           bool
}

// Gateway is implemented once per payment provider. CancelMembership
// returns the status the subscription should take locally, since
// providers disagree on whether an explicit cancel pauses or hard
// cancels. All calls returning *Error indicate an unknown outcome.
type Gateway interface {
	System() user.PaymentSystem
	CreateCustomer(ctx context.Context, email, fullName string) (string, error)
	ChargeFirst(ctx context.Context, req FirstCharge) (*ChargeResult, error)
	ChargeRecurring(ctx context.Context, req RecurringCharge) (*ChargeResult, error)
	CancelMembership(ctx context.Context, binding *payment.Binding, overdue bool) (subscription.Status, error)
	ResumeMembership(ctx context.Context, binding *payment.Binding) error
}

// PaymentResolver is the optional capability to fetch the definitive
// state of a charge that was left pending on a 3DS challenge. paymentID
// is the PendingID the charge call returned.
type PaymentResolver interface {
	PaymentResult(ctx context.Context, paymentID string) (*ChargeResult, error)
}

// SchemeResolver is the optional capability to look up the card scheme
// of a stored instrument, used to backfill instruments captured before
// the scheme was recorded.
type SchemeResolver interface {
	InstrumentScheme(ctx context.Context, sourceID string) (string, error)
}

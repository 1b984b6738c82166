package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/job-escape/users-backend/billing"
	"github.com/job-escape/users-backend/payment"
	"github.com/job-escape/users-backend/subscription"
	"github.com/job-escape/users-backend/user"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

var _ Gateway = &StripeGateway{}

// StripeGateway bills legacy memberships that were created on Stripe
// before the migration to the newer providers. New checkouts no longer
// land here, but the recurring path must keep serving the old cohort.
type StripeGateway struct {
	logger *zap.Logger
	client *client.API
}

func NewStripeGateway(logger *zap.Logger, sc *client.API) (*StripeGateway, error) {
	if logger == nil {
		return nil, extErrors.New("nil logger is invalid")
	}
	if sc == nil {
		return nil, extErrors.New("nil client is invalid")
	}
	return &StripeGateway{
		logger: logger,
		client: sc,
	}, nil
}

func (g *StripeGateway) System() user.PaymentSystem {
	return user.SystemStripe
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, email, fullName string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(fullName),
	}
	params.Context = ctx
	customer, err := g.client.Customers.New(params)
	if err != nil {
		return "", g.wrap("CreateCustomer", err)
	}
	return customer.ID, nil
}

// wrap converts provider errors: card errors become nil-error declines
// upstream, everything else is a transport failure.
func (g *StripeGateway) wrap(op string, err error) error {
	return &Error{System: user.SystemStripe, Op: op, Err: err}
}

func (g *StripeGateway) resultFromIntent(pi *stripe.PaymentIntent, threeDS bool) *ChargeResult {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		result := &ChargeResult{
			Outcome:     OutcomeAuthorized,
			PaymentID:   pi.ID,
			ThreeDSUsed: threeDS,
		}
		if pi.PaymentMethod != nil {
			result.SourceID = pi.PaymentMethod.ID
		}
		if pi.Charges != nil && len(pi.Charges.Data) > 0 {
			if card := pi.Charges.Data[0].PaymentMethodDetails.Card; card != nil {
				result.Fingerprint = card.Fingerprint
				result.CardScheme = strings.Title(string(card.Brand))
				result.CardLast4 = card.Last4
				result.CardExpMonth = fmt.Sprintf("%02d", card.ExpMonth)
				result.CardExpYear = fmt.Sprintf("%d", card.ExpYear)
			}
		}
		return result
	case stripe.PaymentIntentStatusRequiresAction:
		result := &ChargeResult{
			Outcome:   OutcomePending,
			PendingID: pi.ID,
		}
		if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
			result.RedirectURL = pi.NextAction.RedirectToURL.URL
		}
		return result
	default:
		result := &ChargeResult{
			Outcome:   OutcomeDeclined,
			PaymentID: pi.ID,
		}
		if pi.LastPaymentError != nil {
			result.ErrorCode = string(pi.LastPaymentError.DeclineCode)
			result.ErrorMessage = pi.LastPaymentError.Msg
		}
		return result
	}
}

func (g *StripeGateway) charge(op string, params *stripe.PaymentIntentParams, threeDS bool) (*ChargeResult, error) {
	pi, err := g.client.PaymentIntents.New(params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Type == stripe.ErrorTypeCard {
			code := string(stripeErr.DeclineCode)
			if code == "" {
				code = string(stripeErr.Code)
			}
			return &ChargeResult{
				Outcome:      OutcomeDeclined,
				ErrorCode:    code,
				ErrorMessage: stripeErr.Msg,
			}, nil
		}
		return nil, g.wrap(op, err)
	}
	return g.resultFromIntent(pi, threeDS), nil
}

func (g *StripeGateway) ChargeFirst(ctx context.Context, req FirstCharge) (*ChargeResult, error) {
	minor, err := billing.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot convert amount")
	}
	params := &stripe.PaymentIntentParams{
		Amount:           stripe.Int64(minor),
		Currency:         stripe.String(strings.ToLower(string(req.Currency))),
		Customer:         stripe.String(req.CustomerID),
		PaymentMethod:    stripe.String(req.Token),
		Confirm:          stripe.Bool(true),
		SetupFutureUsage: stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession)),
	}
	params.Context = ctx
	return g.charge("ChargeFirst", params, req.Force3DS)
}

func (g *StripeGateway) ChargeRecurring(ctx context.Context, req RecurringCharge) (*ChargeResult, error) {
	minor, err := billing.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot convert amount")
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(strings.ToLower(string(req.Currency))),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.SourceID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	return g.charge("ChargeRecurring", params, req.ThreeDS)
}

// CancelMembership always hard cancels: Stripe has no indefinite pause
// for the legacy billing setup these memberships use.
func (g *StripeGateway) CancelMembership(ctx context.Context, binding *payment.Binding, overdue bool) (subscription.Status, error) {
	if binding.ProviderSubscriptionID == "" {
		return subscription.StatusCanceled, nil
	}
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := g.client.Subscriptions.Cancel(binding.ProviderSubscriptionID, params); err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			g.logger.Info("Provider subscription already canceled",
				zap.String("SubscriptionID", binding.SubscriptionID),
			)
			return subscription.StatusCanceled, nil
		}
		return "", g.wrap("CancelMembership", err)
	}
	return subscription.StatusCanceled, nil
}

// ResumeMembership cannot restore a canceled Stripe subscription
func (g *StripeGateway) ResumeMembership(ctx context.Context, binding *payment.Binding) error {
	return &Error{
		System: user.SystemStripe,
		Op:     "ResumeMembership",
		Err:    extErrors.New("canceled memberships cannot be restored"),
	}
}

package paywall

import (
	"context"
	"time"

	"github.com/job-escape/users-backend/analytics"
	"github.com/job-escape/users-backend/billing"
	"github.com/job-escape/users-backend/fraud"
	"github.com/job-escape/users-backend/gateway"
	"github.com/job-escape/users-backend/notification"
	"github.com/job-escape/users-backend/payment"
	"github.com/job-escape/users-backend/subscription"
	"github.com/job-escape/users-backend/user"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Check3DSCodes are soft decline codes worth one immediate retry with a
// forced 3DS challenge, since the issuer may accept an authenticated
// version of the same charge.
var Check3DSCodes = []string{
	"20001", "20002", "20005", "20012", "20038", "20046", "20057",
	"20059", "20062", "20063", "20064", "20065", "20075", "20078",
	"20081", "20093", "20108", "20151", "20152", "20154", "20155",
	"20182", "20183",
}

// Tier1Countries are markets where code 20059 declines stay final: the
// issuers there do not recover on an authenticated retry.
var Tier1Countries = []string{"US", "GB", "CA", "AU", "NZ", "IE"}

// ErrCheckoutBlocked is returned when the user already has a live
// subscription and must not be charged again.
var ErrCheckoutBlocked = extErrors.New("user already has a live subscription")

// ErrRejected is returned when the fraud gate stops the checkout
var ErrRejected = extErrors.New("checkout rejected")

// ErrPendingUnknown is returned when a completion call references a
// payment no checkout parked.
var ErrPendingUnknown = extErrors.New("no pending charge for payment")

// UserStore is the slice of user persistence the paywall needs
type UserStore interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
	GetByEmail(ctx context.Context, email string) (*user.User, error)
	Create(ctx context.Context, u *user.User) error
	SetPaymentSystem(ctx context.Context, userID string, system user.PaymentSystem) error
}

// SubscriptionStore covers the plan lookup and subscription
// bootstrapping of a checkout.
type SubscriptionStore interface {
	GetPlanByID(ctx context.Context, id string) (*subscription.Plan, error)
	HasBlockingSubscription(ctx context.Context, userID string) (bool, error)
	EnsureInactive(ctx context.Context, userID, planID string) (*subscription.Subscription, error)
	ActivateTrial(ctx context.Context, userID, planID string, expires time.Time) (*subscription.Subscription, error)
}

// InstrumentStore persists the captured instrument and the first
// billing artifacts.
type InstrumentStore interface {
	CreateSelectedMethod(ctx context.Context, method *payment.Method) error
	UpsertBinding(ctx context.Context, binding *payment.Binding) error
	ScheduleAttempt(ctx context.Context, subscriptionID string, dateDue time.Time, retry int) (*payment.Attempt, error)
	RecordTransaction(ctx context.Context, subscriptionID, methodID, paymentID string, amount float64, currency billing.Currency) error
	CreatePendingCharge(ctx context.Context, pending *payment.PendingCharge) error
	PendingChargeByPaymentID(ctx context.Context, paymentID string) (*payment.PendingCharge, error)
	DeletePendingCharge(ctx context.Context, paymentID string) error
}

// RiskGate screens the checkout before any charge
type RiskGate interface {
	Evaluate(ctx context.Context, input fraud.Input) (fraud.Verdict, error)
	SetOutcome(ctx context.Context, recordID, errorCode string) error
}

// GatewaySelector maps a payment system to its gateway
type GatewaySelector interface {
	For(system user.PaymentSystem) gateway.Gateway
}

type Options struct {
	Logger        *zap.Logger
	Users         UserStore
	Subscriptions SubscriptionStore
	Instruments   InstrumentStore
	Gate          RiskGate
	Gateways      GatewaySelector
	Emitter       analytics.Emitter
	Dispatcher    notification.Dispatcher
	Tokens        *user.TokenIssuer
}

// Flow runs the first-charge checkout: fraud screen, customer and
// instrument setup, the charge itself with one optional authenticated
// retry, and trial activation.
type Flow struct {
	Options
	check3DS map[string]struct{}
	tier1    map[string]struct{}
}

func NewFlow(option Options) (*Flow, error) {
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	if option.Users == nil {
		return nil, extErrors.New("nil Users is invalid")
	}
	if option.Subscriptions == nil {
		return nil, extErrors.New("nil Subscriptions is invalid")
	}
	if option.Instruments == nil {
		return nil, extErrors.New("nil Instruments is invalid")
	}
	if option.Gate == nil {
		return nil, extErrors.New("nil Gate is invalid")
	}
	if option.Gateways == nil {
		return nil, extErrors.New("nil Gateways is invalid")
	}
	if option.Emitter == nil {
		return nil, extErrors.New("nil Emitter is invalid")
	}
	if option.Dispatcher == nil {
		return nil, extErrors.New("nil Dispatcher is invalid")
	}
	if option.Tokens == nil {
		return nil, extErrors.New("nil Tokens is invalid")
	}
	check := make(map[string]struct{}, len(Check3DSCodes))
	for _, code := range Check3DSCodes {
		check[code] = struct{}{}
	}
	tier1 := make(map[string]struct{}, len(Tier1Countries))
	for _, geo := range Tier1Countries {
		tier1[geo] = struct{}{}
	}
	return &Flow{
		Options:  option,
		check3DS: check,
		tier1:    tier1,
	}, nil
}

// CheckoutInput is one first-charge request after transport validation
type CheckoutInput struct {
	Email       string
	FullName    string
	PlanID      string
	TrialTier   subscription.TrialTier
	System      user.PaymentSystem
	MethodType  payment.MethodType
	Token       string
	IP          string
	Geo         string
	Fingerprint string
	BIN         string
}

// CheckoutResult reports how the checkout ended. Exactly one of the
// three sections is populated, mirroring the charge outcomes.
type CheckoutResult struct {
	// Authorized
	Subscription  *subscription.Subscription
	RegisterToken string

	// Pending 3DS challenge
	RedirectURL string
	PendingID   string

	// Declined
	Declined     bool
	ErrorCode    string
	ErrorMessage string
}

func (f *Flow) Checkout(ctx context.Context, input CheckoutInput) (*CheckoutResult, error) {
	logger := f.Logger.With(zap.String("Email", input.Email))

	u, err := f.Users.GetByEmail(ctx, input.Email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		u = &user.User{
			Email:      input.Email,
			FullName:   input.FullName,
			GeoCountry: input.Geo,
		}
		if err := f.Users.Create(ctx, u); err != nil {
			return nil, err
		}
	}

	blocked, err := f.Subscriptions.HasBlockingSubscription(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrCheckoutBlocked
	}

	plan, err := f.Subscriptions.GetPlanByID(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, extErrors.Errorf("plan %s not found", input.PlanID)
	}
	amount, err := plan.TrialAmount(input.TrialTier)
	if err != nil {
		return nil, err
	}

	verdict, err := f.Gate.Evaluate(ctx, fraud.Input{
		Email:       input.Email,
		IP:          input.IP,
		Geo:         input.Geo,
		Fingerprint: input.Fingerprint,
		BIN:         input.BIN,
		PlanID:      plan.ID,
		TrialTier:   string(input.TrialTier),
	})
	if err != nil {
		return nil, err
	}
	f.emit(ctx, logger, analytics.Event{
		Name:   analytics.EventRiskScreen,
		Topic:  analytics.TopicFunnel,
		UserID: u.ID,
		Email:  u.Email,
		Properties: map[string]interface{}{
			"decision": string(verdict.Decision),
			"rule":     verdict.Rule,
		},
	})
	if verdict.Decision == fraud.DecisionReject {
		logger.Warn("Checkout rejected by risk screen",
			zap.String("Rule", verdict.Rule),
		)
		return nil, ErrRejected
	}
	force3DS := verdict.Decision == fraud.DecisionForce3DS

	gw := f.Gateways.For(input.System)
	customerID, err := gw.CreateCustomer(ctx, input.Email, input.FullName)
	if err != nil {
		return nil, err
	}

	if _, err := f.Subscriptions.EnsureInactive(ctx, u.ID, plan.ID); err != nil {
		return nil, err
	}

	charge := gateway.FirstCharge{
		UserID:     u.ID,
		Email:      input.Email,
		IP:         input.IP,
		CustomerID: customerID,
		Token:      input.Token,
		OrderID:    shortuuid.New(),
		Amount:     amount,
		Currency:   plan.TrialCurrency,
		Force3DS:   force3DS,
	}
	result, err := gw.ChargeFirst(ctx, charge)
	if err != nil {
		return nil, err
	}

	if result.Outcome == gateway.OutcomeDeclined && !force3DS && f.retryWith3DS(result.ErrorCode, input.Geo) {
		logger.Info("Retrying declined charge with forced 3DS",
			zap.String("ErrorCode", result.ErrorCode),
		)
		f.emit(ctx, logger, analytics.Event{
			Name:   analytics.Event3DSAfter2DS,
			Topic:  analytics.TopicFunnel,
			UserID: u.ID,
			Email:  u.Email,
			Properties: map[string]interface{}{
				"error_code": result.ErrorCode,
			},
		})
		charge.OrderID = shortuuid.New()
		charge.Force3DS = true
		result, err = gw.ChargeFirst(ctx, charge)
		if err != nil {
			return nil, err
		}
	}

	switch result.Outcome {
	case gateway.OutcomePending:
		// Park the charge so Complete can finish the checkout once the
		// customer passes the challenge.
		if err := f.Instruments.CreatePendingCharge(ctx, &payment.PendingCharge{
			PaymentID:    result.PendingID,
			UserID:       u.ID,
			PlanID:       plan.ID,
			TrialTier:    string(input.TrialTier),
			System:       input.System,
			MethodType:   input.MethodType,
			CustomerID:   customerID,
			Amount:       amount,
			Currency:     plan.TrialCurrency,
			RiskRecordID: verdict.RecordID,
		}); err != nil {
			return nil, err
		}
		return &CheckoutResult{
			RedirectURL: result.RedirectURL,
			PendingID:   result.PendingID,
		}, nil
	case gateway.OutcomeDeclined:
		if err := f.Gate.SetOutcome(ctx, verdict.RecordID, result.ErrorCode); err != nil {
			logger.Error("Unable to backfill risk record", zap.Error(err))
		}
		return &CheckoutResult{
			Declined:     true,
			ErrorCode:    result.ErrorCode,
			ErrorMessage: result.ErrorMessage,
		}, nil
	}

	return f.finalize(ctx, logger, u, plan, input, customerID, amount, result)
}

// Complete resolves a checkout that was parked on a 3DS challenge. It
// polls the provider for the definitive outcome and either finishes the
// checkout as if the first charge had been authorized directly, records
// the decline, or reports that the challenge is still in progress.
func (f *Flow) Complete(ctx context.Context, pendingID string) (*CheckoutResult, error) {
	pending, err := f.Instruments.PendingChargeByPaymentID(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, ErrPendingUnknown
	}
	logger := f.Logger.With(zap.String("PaymentID", pendingID))

	u, err := f.Users.GetByID(ctx, pending.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, extErrors.Errorf("user %s not found", pending.UserID)
	}
	plan, err := f.Subscriptions.GetPlanByID(ctx, pending.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, extErrors.Errorf("plan %s not found", pending.PlanID)
	}

	resolver, ok := f.Gateways.For(pending.System).(gateway.PaymentResolver)
	if !ok {
		return nil, extErrors.Errorf("gateway %s cannot resolve pending payments", pending.System)
	}
	result, err := resolver.PaymentResult(ctx, pendingID)
	if err != nil {
		return nil, err
	}

	switch result.Outcome {
	case gateway.OutcomePending:
		return &CheckoutResult{
			RedirectURL: result.RedirectURL,
			PendingID:   pendingID,
		}, nil
	case gateway.OutcomeDeclined:
		if err := f.Gate.SetOutcome(ctx, pending.RiskRecordID, result.ErrorCode); err != nil {
			logger.Error("Unable to backfill risk record", zap.Error(err))
		}
		if err := f.Instruments.DeletePendingCharge(ctx, pendingID); err != nil {
			logger.Error("Unable to remove pending charge", zap.Error(err))
		}
		return &CheckoutResult{
			Declined:     true,
			ErrorCode:    result.ErrorCode,
			ErrorMessage: result.ErrorMessage,
		}, nil
	}

	if result.PaymentID == "" {
		result.PaymentID = pendingID
	}
	input := CheckoutInput{
		Email:      u.Email,
		FullName:   u.FullName,
		PlanID:     pending.PlanID,
		TrialTier:  subscription.TrialTier(pending.TrialTier),
		System:     pending.System,
		MethodType: pending.MethodType,
	}
	out, err := f.finalize(ctx, logger, u, plan, input, pending.CustomerID, pending.Amount, result)
	if err != nil {
		return nil, err
	}
	if err := f.Instruments.DeletePendingCharge(ctx, pendingID); err != nil {
		logger.Error("Unable to remove pending charge", zap.Error(err))
	}
	return out, nil
}

// retryWith3DS decides whether a 2DS decline is worth an authenticated
// retry.
func (f *Flow) retryWith3DS(code, geo string) bool {
	if _, ok := f.check3DS[code]; !ok {
		return false
	}
	if code == "20059" {
		if _, tier1 := f.tier1[geo]; tier1 {
			return false
		}
	}
	return true
}

func (f *Flow) finalize(ctx context.Context, logger *zap.Logger, u *user.User, plan *subscription.Plan, input CheckoutInput, customerID string, amount float64, result *gateway.ChargeResult) (*CheckoutResult, error) {
	if err := f.Users.SetPaymentSystem(ctx, u.ID, input.System); err != nil {
		return nil, err
	}
	u.PaymentSystem = input.System

	method := &payment.Method{
		UserID:       u.ID,
		Type:         input.MethodType,
		IsSelected:   true,
		CustomerID:   customerID,
		PaymentID:    result.PaymentID,
		SourceID:     result.SourceID,
		CardScheme:   result.CardScheme,
		CardLast4:    result.CardLast4,
		CardExpMonth: result.CardExpMonth,
		CardExpYear:  result.CardExpYear,
		Fingerprint:  result.Fingerprint,
		ThreeDS:      result.ThreeDSUsed,
	}
	if err := f.Instruments.CreateSelectedMethod(ctx, method); err != nil {
		return nil, err
	}

	expires, err := plan.TrialExpires(time.Now())
	if err != nil {
		return nil, err
	}
	activated, err := f.Subscriptions.ActivateTrial(ctx, u.ID, plan.ID, expires)
	if err != nil {
		return nil, err
	}

	if err := f.Instruments.UpsertBinding(ctx, &payment.Binding{
		SubscriptionID:         activated.ID,
		System:                 input.System,
		PaymentID:              result.PaymentID,
		SourceID:               result.SourceID,
		CardScheme:             result.CardScheme,
		ThreeDS:                result.ThreeDSUsed,
		ProviderSubscriptionID: result.ProviderSubscriptionID,
	}); err != nil {
		return nil, err
	}

	// The first recurring attempt is due when the trial runs out,
	// before the margin baked into expires. Only locally scheduled
	// systems get one; Solidgate runs its own schedule and a local
	// attempt on top of it would charge the trial end twice.
	if input.System == user.SystemCheckout {
		if _, err := f.Instruments.ScheduleAttempt(ctx, activated.ID, expires.Add(-billing.ExpiresMargin), 0); err != nil {
			logger.Error("Unable to schedule first recurring attempt", zap.Error(err))
		}
	}
	if err := f.Instruments.RecordTransaction(ctx, activated.ID, method.ID, result.PaymentID, amount, plan.TrialCurrency); err != nil {
		logger.Error("Unable to record transaction", zap.Error(err))
	}

	out := &CheckoutResult{Subscription: activated}
	if !u.Registered() {
		token, err := f.Tokens.RegisterToken(u)
		if err != nil {
			logger.Error("Unable to issue register token", zap.Error(err))
		} else {
			out.RegisterToken = token
			if err := f.Dispatcher.ScheduleCompleteRegistrationReminder(ctx, notification.ReminderJob{
				UserID:        u.ID,
				Email:         u.Email,
				CascadeStep:   0,
				RegisterToken: token,
			}); err != nil {
				logger.Error("Unable to schedule registration reminder", zap.Error(err))
			}
		}
	}
	return out, nil
}

func (f *Flow) emit(ctx context.Context, logger *zap.Logger, event analytics.Event) {
	if err := f.Emitter.Emit(ctx, event); err != nil {
		logger.Error("Unable to emit analytics event",
			zap.Error(err),
			zap.String("Event", event.Name),
		)
	}
}

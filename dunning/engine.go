package dunning

import (
	"context"
	"time"

	"github.com/job-escape/users-backend/analytics"
	"github.com/job-escape/users-backend/billing"
	"github.com/job-escape/users-backend/gateway"
	"github.com/job-escape/users-backend/notification"
	"github.com/job-escape/users-backend/payment"
	"github.com/job-escape/users-backend/subscription"
	"github.com/job-escape/users-backend/user"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// MaxRetries is the 0-based retry count at which a soft decline stops
// scheduling successors and cancels the membership instead.
const MaxRetries = 4

// HardDeclineCodes are provider codes meaning the instrument or
// account is permanently unusable, so retrying cannot recover.
var HardDeclineCodes = []string{
	"30004", "30007", "30015", "30016", "30017", "30018", "30019",
	"30020", "30021", "30022", "30033", "30034", "30035", "30036",
	"30037", "30038", "30041", "30043", "30044", "30045", "30046",
	"40101", "40201", "40202", "40203", "40204", "40205",
	"50002", "50003",
	"20183", "20182", "20179", "20059",
}

// AttemptStore is the slice of payment persistence the engine needs.
type AttemptStore interface {
	DueAttempts(ctx context.Context, now time.Time) ([]payment.Attempt, error)
	ClaimAttempt(ctx context.Context, attemptID, response, code, summary string) (bool, error)
	ScheduleAttempt(ctx context.Context, subscriptionID string, dateDue time.Time, retry int) (*payment.Attempt, error)
	SelectedMethod(ctx context.Context, userID string) (*payment.Method, error)
	SaveMethodScheme(ctx context.Context, methodID, scheme string) error
	RecordTransaction(ctx context.Context, subscriptionID, methodID, paymentID string, amount float64, currency billing.Currency) error
}

// SubscriptionStore loads subscriptions with plan and user attached
// and applies guarded status updates.
type SubscriptionStore interface {
	GetByID(ctx context.Context, id string) (*subscription.Subscription, error)
	LambdaUpdate(ctx context.Context, id string, lambda subscription.LambdaUpdateFunc) (*subscription.Subscription, error)
}

// GatewaySelector maps a payment system to its gateway
type GatewaySelector interface {
	For(system user.PaymentSystem) gateway.Gateway
}

type Options struct {
	Logger        *zap.Logger
	Attempts      AttemptStore
	Subscriptions SubscriptionStore
	Gateways      GatewaySelector
	Emitter       analytics.Emitter
	Publisher     analytics.PaymentPublisher
	Dispatcher    notification.Dispatcher
	Schedule      billing.RetrySchedule
	// HardDeclines overrides HardDeclineCodes when non-nil
	HardDeclines []string
}

// Engine runs the periodic billing batch: it claims due charge
// attempts, charges them, and applies the outcome to the subscription
// state machine. Overlapping runs are tolerated because an attempt is
// claimed with a conditional update before any outcome processing.
type Engine struct {
	Options
	hardDeclines map[string]struct{}
}

func NewEngine(option Options) (*Engine, error) {
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	if option.Attempts == nil {
		return nil, extErrors.New("nil Attempts is invalid")
	}
	if option.Subscriptions == nil {
		return nil, extErrors.New("nil Subscriptions is invalid")
	}
	if option.Gateways == nil {
		return nil, extErrors.New("nil Gateways is invalid")
	}
	if option.Emitter == nil {
		return nil, extErrors.New("nil Emitter is invalid")
	}
	if option.Publisher == nil {
		return nil, extErrors.New("nil Publisher is invalid")
	}
	if option.Dispatcher == nil {
		return nil, extErrors.New("nil Dispatcher is invalid")
	}
	if option.Schedule.Steps == nil {
		option.Schedule = billing.DefaultRetrySchedule()
	}
	codes := option.HardDeclines
	if codes == nil {
		codes = HardDeclineCodes
	}
	hard := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		hard[code] = struct{}{}
	}
	return &Engine{
		Options:      option,
		hardDeclines: hard,
	}, nil
}

// Stats summarizes one batch run
type Stats struct {
	Processed  int
	Authorized int
	Declined   int
	Faulted    int // precondition failures, claimed without a charge
	Skipped    int // transport errors or lost claims, left for the next run
}

// Run processes every attempt due at now. A crash mid-run leaves the
// remaining attempts unclaimed for the next run.
func (e *Engine) Run(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	due, err := e.Attempts.DueAttempts(ctx, now)
	if err != nil {
		return stats, extErrors.Wrap(err, "Cannot list due attempts")
	}
	e.Logger.Info("Starting billing run",
		zap.Int("DueAttempts", len(due)),
	)
	for i := range due {
		stats.Processed++
		e.processAttempt(ctx, &due[i], now, &stats)
	}
	e.Logger.Info("Billing run finished",
		zap.Int("Processed", stats.Processed),
		zap.Int("Authorized", stats.Authorized),
		zap.Int("Declined", stats.Declined),
		zap.Int("Faulted", stats.Faulted),
		zap.Int("Skipped", stats.Skipped),
	)
	return stats, nil
}

// fault claims the attempt with a diagnostic summary and no charge
func (e *Engine) fault(ctx context.Context, attempt *payment.Attempt, summary string, stats *Stats) {
	claimed, err := e.Attempts.ClaimAttempt(ctx, attempt.ID, "error", "", summary)
	if err != nil {
		e.Logger.Error("Unable to claim faulted attempt",
			zap.Error(err),
			zap.String("AttemptID", attempt.ID),
		)
		stats.Skipped++
		return
	}
	if !claimed {
		stats.Skipped++
		return
	}
	e.Logger.Warn("Attempt faulted without a charge",
		zap.String("AttemptID", attempt.ID),
		zap.String("SubscriptionID", attempt.SubscriptionID),
		zap.String("Summary", summary),
	)
	stats.Faulted++
}

func (e *Engine) processAttempt(ctx context.Context, attempt *payment.Attempt, now time.Time, stats *Stats) {
	logger := e.Logger.With(
		zap.String("AttemptID", attempt.ID),
		zap.String("SubscriptionID", attempt.SubscriptionID),
	)

	sub, err := e.Subscriptions.GetByID(ctx, attempt.SubscriptionID)
	if err != nil {
		logger.Error("Unable to load subscription", zap.Error(err))
		stats.Skipped++
		return
	}
	if sub == nil {
		e.fault(ctx, attempt, "subscription not found", stats)
		return
	}
	if !sub.Status.Billable() {
		e.fault(ctx, attempt, "subscription not billable", stats)
		return
	}
	if sub.Plan == nil {
		e.fault(ctx, attempt, "subscription has no plan", stats)
		return
	}
	if sub.User == nil {
		e.fault(ctx, attempt, "subscription has no user", stats)
		return
	}
	if !sub.User.Registered() {
		// Unrecoverable, the account was never completed
		e.fault(ctx, attempt, "user never completed registration", stats)
		e.cancel(ctx, sub, sub.User)
		return
	}
	method, err := e.Attempts.SelectedMethod(ctx, sub.User.ID)
	if err != nil {
		logger.Error("Unable to load payment method", zap.Error(err))
		stats.Skipped++
		return
	}
	if method == nil || method.SourceID == "" {
		e.fault(ctx, attempt, "no selected payment instrument", stats)
		return
	}

	gw := e.Gateways.For(sub.User.PaymentSystem)
	e.backfillScheme(ctx, gw, method)

	nextRetryDate, amount := e.Schedule.Next(now, attempt.Retry, sub.Plan.PriceAmount)

	result, err := gw.ChargeRecurring(ctx, gateway.RecurringCharge{
		UserID:            sub.User.ID,
		Email:             sub.User.Email,
		CustomerID:        method.CustomerID,
		SourceID:          method.SourceID,
		PreviousPaymentID: method.PaymentID,
		OrderID:           attempt.ID,
		Amount:            amount,
		Currency:          sub.Plan.PriceCurrency,
		ThreeDS:           method.ThreeDS && method.CardScheme == "Mastercard",
	})
	if err != nil {
		// Unknown outcome, the attempt stays unclaimed for the next run
		logger.Warn("Charge outcome unknown, leaving attempt unclaimed",
			zap.Error(err),
		)
		stats.Skipped++
		return
	}
	if result.Outcome == gateway.OutcomePending {
		// A merchant initiated charge should never challenge; treat it
		// as a soft decline so the retry ladder takes over.
		logger.Warn("Recurring charge answered with a challenge",
			zap.String("PendingID", result.PendingID),
		)
		result = &gateway.ChargeResult{
			Outcome:      gateway.OutcomeDeclined,
			ErrorCode:    "",
			ErrorMessage: "recurring charge requires customer action",
		}
	}

	claimed, err := e.Attempts.ClaimAttempt(ctx, attempt.ID, string(result.Outcome), result.ErrorCode, result.ErrorMessage)
	if err != nil {
		logger.Error("Unable to claim executed attempt", zap.Error(err))
		stats.Skipped++
		return
	}
	if !claimed {
		// A concurrent run got here first, its claim owns the outcome
		logger.Warn("Attempt already claimed by another run")
		stats.Skipped++
		return
	}

	var updated *subscription.Subscription
	if result.Outcome == gateway.OutcomeAuthorized {
		stats.Authorized++
		updated = e.applyAuthorized(ctx, logger, sub, method, attempt, result, amount, now)
	} else {
		stats.Declined++
		updated = e.applyDeclined(ctx, logger, sub, attempt, result, nextRetryDate)
	}

	paidCounter := sub.PaidCounter
	if updated != nil {
		paidCounter = updated.PaidCounter
	}
	if err := e.Publisher.PublishOutcome(ctx, analytics.PaymentOutcome{
		AttemptID:      attempt.ID,
		SubscriptionID: sub.ID,
		UserID:         sub.User.ID,
		Email:          sub.User.Email,
		PlanID:         sub.PlanID,
		Amount:         amount,
		Currency:       string(sub.Plan.PriceCurrency),
		Authorized:     result.Outcome == gateway.OutcomeAuthorized,
		ErrorCode:      result.ErrorCode,
		ErrorMessage:   result.ErrorMessage,
		Retry:          attempt.Retry,
		PaidCounter:    paidCounter,
		PaymentSystem:  string(sub.User.PaymentSystem),
		ExecutedAt:     now,
	}); err != nil {
		logger.Error("Unable to publish payment outcome", zap.Error(err))
	}
}

// backfillScheme recovers a missing card scheme from the provider,
// tolerating lookup failure.
func (e *Engine) backfillScheme(ctx context.Context, gw gateway.Gateway, method *payment.Method) {
	if method.CardScheme != "" {
		return
	}
	resolver, ok := gw.(gateway.SchemeResolver)
	if !ok {
		return
	}
	scheme, err := resolver.InstrumentScheme(ctx, method.SourceID)
	if err != nil || scheme == "" {
		e.Logger.Warn("Unable to backfill card scheme",
			zap.Error(err),
			zap.String("MethodID", method.ID),
		)
		return
	}
	method.CardScheme = scheme
	if err := e.Attempts.SaveMethodScheme(ctx, method.ID, scheme); err != nil {
		e.Logger.Error("Unable to persist card scheme",
			zap.Error(err),
			zap.String("MethodID", method.ID),
		)
	}
}

func (e *Engine) applyAuthorized(ctx context.Context, logger *zap.Logger, sub *subscription.Subscription, method *payment.Method, attempt *payment.Attempt, result *gateway.ChargeResult, amount float64, now time.Time) *subscription.Subscription {
	nextCharge, err := sub.Plan.NextChargeDate(now)
	if err != nil {
		logger.Error("Unable to compute next charge date", zap.Error(err))
		return nil
	}
	expires := nextCharge.Add(billing.ExpiresMargin)

	var renewed bool
	updated, err := e.Subscriptions.LambdaUpdate(ctx, sub.ID, func(current *subscription.Subscription, desired *subscription.Subscription) bool {
		if current == nil {
			return false
		}
		renewed = desired.MarkRenewed(expires)
		return renewed
	})
	if err != nil {
		logger.Error("Unable to mark subscription renewed", zap.Error(err))
		return nil
	}
	if !renewed {
		logger.Warn("Renewal blocked by current subscription state")
		return updated
	}

	if _, err := e.Attempts.ScheduleAttempt(ctx, sub.ID, nextCharge, 0); err != nil {
		logger.Error("Unable to schedule next attempt", zap.Error(err))
	}
	if err := e.Attempts.RecordTransaction(ctx, sub.ID, method.ID, result.PaymentID, amount, sub.Plan.PriceCurrency); err != nil {
		logger.Error("Unable to record transaction", zap.Error(err))
	}

	e.emit(ctx, logger, analytics.Event{
		Name:   analytics.EventRecurringPayment,
		Topic:  analytics.TopicFunnel,
		UserID: sub.User.ID,
		Email:  sub.User.Email,
		Properties: map[string]interface{}{
			"amount":   amount,
			"currency": string(sub.Plan.PriceCurrency),
			"retry":    attempt.Retry,
		},
	})
	name := analytics.EventSubscriptionRenewal
	if updated.PaidCounter == 2 {
		// The very first renewal is the trial conversion
		name = analytics.EventTrialToSubscription
	}
	e.emit(ctx, logger, analytics.Event{
		Name:   name,
		Topic:  analytics.TopicFunnel,
		UserID: sub.User.ID,
		Email:  sub.User.Email,
	})
	return updated
}

func (e *Engine) applyDeclined(ctx context.Context, logger *zap.Logger, sub *subscription.Subscription, attempt *payment.Attempt, result *gateway.ChargeResult, nextRetryDate time.Time) *subscription.Subscription {
	_, hard := e.hardDeclines[result.ErrorCode]
	if hard || attempt.Retry >= MaxRetries {
		logger.Info("Decline is terminal, canceling subscription",
			zap.String("ErrorCode", result.ErrorCode),
			zap.Int("Retry", attempt.Retry),
		)
		return e.cancel(ctx, sub, sub.User)
	}

	var newlyOverdue, stillBillable bool
	updated, err := e.Subscriptions.LambdaUpdate(ctx, sub.ID, func(current *subscription.Subscription, desired *subscription.Subscription) bool {
		if current == nil {
			return false
		}
		newlyOverdue = desired.MarkOverdue()
		stillBillable = desired.Status.Billable()
		return newlyOverdue
	})
	if err != nil {
		logger.Error("Unable to mark subscription overdue", zap.Error(err))
		return nil
	}
	// A concurrent cancel between the charge and this update must not
	// leave a live retry behind.
	if !stillBillable {
		logger.Warn("Subscription no longer billable, skipping retry")
		return updated
	}
	if _, err := e.Attempts.ScheduleAttempt(ctx, sub.ID, nextRetryDate, attempt.Retry+1); err != nil {
		logger.Error("Unable to schedule retry attempt", zap.Error(err))
	}
	if newlyOverdue {
		e.emit(ctx, logger, analytics.Event{
			Name:   analytics.EventSubscriptionPastDue,
			Topic:  analytics.TopicFunnel,
			UserID: sub.User.ID,
			Email:  sub.User.Email,
			Properties: map[string]interface{}{
				"error_code": result.ErrorCode,
				"retry":      attempt.Retry,
			},
		})
	}
	return updated
}

// cancel hard cancels a subscription and fires the cancellation side
// effects if the state actually changed.
func (e *Engine) cancel(ctx context.Context, sub *subscription.Subscription, u *user.User) *subscription.Subscription {
	wasTrial := sub.InTrial()
	var changed bool
	updated, err := e.Subscriptions.LambdaUpdate(ctx, sub.ID, func(current *subscription.Subscription, desired *subscription.Subscription) bool {
		if current == nil {
			return false
		}
		changed = desired.MarkCanceled()
		return changed
	})
	if err != nil {
		e.Logger.Error("Unable to cancel subscription",
			zap.Error(err),
			zap.String("SubscriptionID", sub.ID),
		)
		return nil
	}
	if !changed || u == nil {
		return updated
	}
	planName := ""
	if sub.Plan != nil {
		planName = sub.Plan.Name
	}
	if err := e.Dispatcher.ScheduleFarewellEmail(ctx, notification.FarewellJob{
		UserID:   u.ID,
		Email:    u.Email,
		FullName: u.FullName,
		Status:   string(subscription.StatusCanceled),
		Expires:  updated.Expires,
		PlanName: planName,
	}); err != nil {
		e.Logger.Error("Unable to schedule farewell email",
			zap.Error(err),
			zap.String("UserID", u.ID),
		)
	}
	e.emit(ctx, e.Logger, analytics.Event{
		Name:   analytics.EventSubscriptionCancel,
		Topic:  analytics.TopicFunnel,
		UserID: u.ID,
		Email:  u.Email,
		Properties: map[string]interface{}{
			"in_trial": wasTrial,
		},
	})
	return updated
}

func (e *Engine) emit(ctx context.Context, logger *zap.Logger, event analytics.Event) {
	if err := e.Emitter.Emit(ctx, event); err != nil {
		logger.Error("Unable to emit analytics event",
			zap.Error(err),
			zap.String("Event", event.Name),
		)
	}
}

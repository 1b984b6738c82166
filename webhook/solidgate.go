package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/job-escape/users-backend/analytics"
	"github.com/job-escape/users-backend/billing"
	"github.com/job-escape/users-backend/payment"
	resp "github.com/job-escape/users-backend/response"
	"github.com/job-escape/users-backend/subscription"
	"github.com/job-escape/users-backend/user"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// solidgateTime is the timestamp layout of Solidgate webhook payloads
const solidgateTime = "2006-01-02 15:04:05"

// SubscriptionStore is the slice of subscription persistence the
// reconcilers need. Every mutation goes through LambdaUpdate so
// concurrent and out-of-order deliveries stay serialized.
type SubscriptionStore interface {
	GetByID(ctx context.Context, id string) (*subscription.Subscription, error)
	LambdaUpdate(ctx context.Context, id string, lambda subscription.LambdaUpdateFunc) (*subscription.Subscription, error)
}

// BindingStore resolves provider-side subscription ids to ours
type BindingStore interface {
	BindingByProviderSubscription(ctx context.Context, system user.PaymentSystem, providerSubID string) (*payment.Binding, error)
}

type SolidgateServiceOptions struct {
	Logger        *zap.Logger
	Subscriptions SubscriptionStore
	Bindings      BindingStore
	Publisher     analytics.PaymentPublisher
	Emitter       analytics.Emitter
	Deduper       Deduper
}

// SolidgateService reconciles Solidgate webhook events into local
// subscription state. Solidgate owns the recurring schedule, so renewals
// and cancellations originate here rather than in the billing run.
type SolidgateService struct {
	SolidgateServiceOptions
	validate *validator.Validate
}

func NewSolidgateService(option SolidgateServiceOptions) (*SolidgateService, error) {
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	if option.Subscriptions == nil {
		return nil, extErrors.New("nil Subscriptions is invalid")
	}
	if option.Bindings == nil {
		return nil, extErrors.New("nil Bindings is invalid")
	}
	if option.Publisher == nil {
		return nil, extErrors.New("nil Publisher is invalid")
	}
	if option.Emitter == nil {
		return nil, extErrors.New("nil Emitter is invalid")
	}
	if option.Deduper == nil {
		return nil, extErrors.New("nil Deduper is invalid")
	}
	return &SolidgateService{
		SolidgateServiceOptions: option,
		validate:                validator.New(),
	}, nil
}

type solidgateOrder struct {
	OrderID        string `json:"order_id" validate:"required"`
	Status         string `json:"status" validate:"required"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	PaymentType    string `json:"payment_type"`
	SubscriptionID string `json:"subscription_id"`
	CustomerEmail  string `json:"customer_email"`
}

type solidgateTransaction struct {
	Operation string `json:"operation"`
	CreatedAt string `json:"created_at"`
	Card      struct {
		Brand string `json:"brand"`
		Bin   string `json:"bin"`
	} `json:"card"`
	Error struct {
		Code                      string `json:"code"`
		RecommendedMessageForUser string `json:"recommended_message_for_user"`
	} `json:"error"`
}

type solidgateOrderUpdated struct {
	Order       solidgateOrder       `json:"order" validate:"required"`
	Transaction solidgateTransaction `json:"transaction"`
}

// The two sets partition the order statuses we publish. Everything else
// (refunds, partial states) is acknowledged without publication.
var (
	solidgateSettled  = map[string]struct{}{"approved": {}, "settle_ok": {}, "auth_ok": {}}
	solidgateDeclined = map[string]struct{}{"declined": {}, "auth_failed": {}}
)

// orderUpdated publishes executed charge outcomes reported by Solidgate
// to the durable payment stream.
func (s *SolidgateService) orderUpdated(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req solidgateOrderUpdated
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	logger := s.Logger.With(
		zap.String("OrderID", req.Order.OrderID),
		zap.String("Status", req.Order.Status),
	)

	_, settled := solidgateSettled[req.Order.Status]
	_, declined := solidgateDeclined[req.Order.Status]
	if !settled && !declined {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	first, err := s.Deduper.FirstDelivery(ctx, "solidgate/order/"+req.Order.OrderID+"/"+req.Order.Status)
	if err != nil {
		logger.Error("Dedup store returned error", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if !first {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sub, err := s.subscriptionForProvider(ctx, req.Order.SubscriptionID)
	if err != nil {
		logger.Error("Unable to resolve subscription", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if sub == nil {
		logger.Warn("No subscription bound to Solidgate order")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	executedAt := time.Now()
	if parsed, err := time.Parse(solidgateTime, req.Transaction.CreatedAt); err == nil {
		executedAt = parsed
	}
	outcome := analytics.PaymentOutcome{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		PlanID:         sub.PlanID,
		Amount:         float64(req.Order.Amount) / 100,
		Currency:       req.Order.Currency,
		Authorized:     settled,
		ErrorCode:      req.Transaction.Error.Code,
		ErrorMessage:   req.Transaction.Error.RecommendedMessageForUser,
		PaidCounter:    sub.PaidCounter,
		PaymentSystem:  string(user.SystemSolidgate),
		ExecutedAt:     executedAt,
	}
	if sub.User != nil {
		outcome.Email = sub.User.Email
	}
	if err := s.Publisher.PublishOutcome(ctx, outcome); err != nil {
		logger.Error("Unable to publish payment outcome", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type solidgateSubscriptionUpdated struct {
	CallbackType string `json:"callback_type" validate:"required"`
	Subscription struct {
		ID        string `json:"id" validate:"required"`
		Status    string `json:"status"`
		ExpiredAt string `json:"expired_at"`
	} `json:"subscription" validate:"required"`
}

// subscriptionUpdated applies Solidgate subscription lifecycle events.
// Each transition is a guarded conditional update, so duplicates and
// stale events for earlier cycles acknowledge without effect.
func (s *SolidgateService) subscriptionUpdated(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req solidgateSubscriptionUpdated
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	logger := s.Logger.With(
		zap.String("CallbackType", req.CallbackType),
		zap.String("ProviderSubscriptionID", req.Subscription.ID),
	)

	var err error
	switch req.CallbackType {
	case "renew":
		err = s.applyRenew(ctx, logger, req)
	case "update":
		// Only the redemption entry matters; support-side edits and
		// order status changes arrive via their own events.
		if req.Subscription.Status == "redemption" {
			err = s.applyOverdue(ctx, logger, req)
		}
	case "cancel":
		err = s.applyCancel(ctx, logger, req)
	default:
		// init, resume, pause and pause_schedule.* carry nothing we track
	}
	if err != nil {
		logger.Error("Unable to apply subscription event", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *SolidgateService) subscriptionForProvider(ctx context.Context, providerSubID string) (*subscription.Subscription, error) {
	if providerSubID == "" {
		return nil, nil
	}
	binding, err := s.Bindings.BindingByProviderSubscription(ctx, user.SystemSolidgate, providerSubID)
	if err != nil {
		return nil, err
	}
	if binding == nil {
		return nil, nil
	}
	return s.Subscriptions.GetByID(ctx, binding.SubscriptionID)
}

func (s *SolidgateService) applyRenew(ctx context.Context, logger *zap.Logger, req solidgateSubscriptionUpdated) error {
	sub, err := s.subscriptionForProvider(ctx, req.Subscription.ID)
	if err != nil {
		return err
	}
	if sub == nil {
		logger.Warn("Renew event for unknown subscription")
		return nil
	}
	expiredAt, err := time.Parse(solidgateTime, req.Subscription.ExpiredAt)
	if err != nil {
		return extErrors.Wrap(err, "Cannot parse expired_at")
	}
	expires := expiredAt.Add(billing.ExpiresMargin)

	updated, err := s.Subscriptions.LambdaUpdate(ctx, sub.ID, func(current, desired *subscription.Subscription) bool {
		if current == nil {
			return false
		}
		return desired.MarkRenewed(expires)
	})
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	s.emit(ctx, logger, analytics.Event{
		Name:   analytics.EventRecurringPayment,
		Topic:  analytics.TopicFunnel,
		UserID: updated.UserID,
		Properties: map[string]interface{}{
			"plan_id": updated.PlanID,
		},
	})
	if updated.PaidCounter == 2 {
		s.emit(ctx, logger, analytics.Event{
			Name:   analytics.EventTrialToSubscription,
			Topic:  analytics.TopicFunnel,
			UserID: updated.UserID,
		})
	} else {
		s.emit(ctx, logger, analytics.Event{
			Name:   analytics.EventSubscriptionRenewal,
			Topic:  analytics.TopicFunnel,
			UserID: updated.UserID,
			Properties: map[string]interface{}{
				"count": updated.PaidCounter,
			},
		})
	}
	return nil
}

func (s *SolidgateService) applyOverdue(ctx context.Context, logger *zap.Logger, req solidgateSubscriptionUpdated) error {
	sub, err := s.subscriptionForProvider(ctx, req.Subscription.ID)
	if err != nil {
		return err
	}
	if sub == nil {
		logger.Warn("Redemption event for unknown subscription")
		return nil
	}
	updated, err := s.Subscriptions.LambdaUpdate(ctx, sub.ID, func(current, desired *subscription.Subscription) bool {
		if current == nil {
			return false
		}
		return desired.MarkOverdue()
	})
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	s.emit(ctx, logger, analytics.Event{
		Name:   analytics.EventSubscriptionPastDue,
		Topic:  analytics.TopicFunnel,
		UserID: updated.UserID,
	})
	return nil
}

func (s *SolidgateService) applyCancel(ctx context.Context, logger *zap.Logger, req solidgateSubscriptionUpdated) error {
	sub, err := s.subscriptionForProvider(ctx, req.Subscription.ID)
	if err != nil {
		return err
	}
	if sub == nil {
		logger.Warn("Cancel event for unknown subscription")
		return nil
	}
	updated, err := s.Subscriptions.LambdaUpdate(ctx, sub.ID, func(current, desired *subscription.Subscription) bool {
		if current == nil {
			return false
		}
		return desired.MarkCanceled()
	})
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	s.emit(ctx, logger, analytics.Event{
		Name:   analytics.EventSubscriptionCancel,
		Topic:  analytics.TopicFunnel,
		UserID: updated.UserID,
	})
	return nil
}

func (s *SolidgateService) emit(ctx context.Context, logger *zap.Logger, event analytics.Event) {
	if err := s.Emitter.Emit(ctx, event); err != nil {
		logger.Error("Unable to emit analytics event",
			zap.Error(err),
			zap.String("Event", event.Name),
		)
	}
}

// Router setups the path routing for Solidgate webhooks
func (s *SolidgateService) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/order/updated", s.orderUpdated)
	r.Post("/subscription/updated", s.subscriptionUpdated)

	return r
}

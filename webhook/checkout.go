package webhook

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/job-escape/users-backend/gateway"
	"github.com/job-escape/users-backend/payment"
	resp "github.com/job-escape/users-backend/response"
	"github.com/job-escape/users-backend/subscription"
	"github.com/job-escape/users-backend/user"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// TransactionStore resolves provider payment ids to ledger rows
type TransactionStore interface {
	TransactionByPaymentID(ctx context.Context, paymentID string) (*payment.Transaction, error)
}

// Canceler ends a user's membership. Implemented by gateway.Registry.
type Canceler interface {
	Cancel(ctx context.Context, u *user.User) (*subscription.Subscription, error)
}

type CheckoutServiceOptions struct {
	Logger        *zap.Logger
	Transactions  TransactionStore
	Subscriptions SubscriptionStore
	Users         UserStore
	Registry      Canceler
	Deduper       Deduper
}

// UserStore is the slice of user persistence the reconcilers need
type UserStore interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

// CheckoutService reconciles Checkout.com webhook events. Disputes end
// the membership immediately; the user keeps the access already paid for.
type CheckoutService struct {
	CheckoutServiceOptions
	validate *validator.Validate
}

func NewCheckoutService(option CheckoutServiceOptions) (*CheckoutService, error) {
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	if option.Transactions == nil {
		return nil, extErrors.New("nil Transactions is invalid")
	}
	if option.Subscriptions == nil {
		return nil, extErrors.New("nil Subscriptions is invalid")
	}
	if option.Users == nil {
		return nil, extErrors.New("nil Users is invalid")
	}
	if option.Registry == nil {
		return nil, extErrors.New("nil Registry is invalid")
	}
	if option.Deduper == nil {
		return nil, extErrors.New("nil Deduper is invalid")
	}
	return &CheckoutService{
		CheckoutServiceOptions: option,
		validate:               validator.New(),
	}, nil
}

type checkoutDispute struct {
	Type string `json:"type" validate:"required,eq=dispute_received"`
	Data struct {
		PaymentID string `json:"payment_id" validate:"required"`
	} `json:"data" validate:"required"`
}

func (s *CheckoutService) disputeReceived(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req checkoutDispute
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	logger := s.Logger.With(zap.String("PaymentID", req.Data.PaymentID))

	first, err := s.Deduper.FirstDelivery(ctx, "checkout/dispute/"+req.Data.PaymentID)
	if err != nil {
		logger.Error("Dedup store returned error", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if !first {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	transaction, err := s.Transactions.TransactionByPaymentID(ctx, req.Data.PaymentID)
	if err != nil {
		logger.Error("Unable to resolve transaction", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if transaction == nil {
		logger.Warn("Dispute for unknown payment")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	sub, err := s.Subscriptions.GetByID(ctx, transaction.SubscriptionID)
	if err != nil {
		logger.Error("Unable to resolve subscription", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if sub == nil {
		logger.Warn("Dispute for unbound subscription")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	owner := sub.User
	if owner == nil {
		owner, err = s.Users.GetByID(ctx, sub.UserID)
		if err != nil {
			resp.WriteError(w, r, resp.ErrUnexpected())
			return
		}
	}
	if owner == nil {
		logger.Warn("Dispute for subscription without an owner")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if _, err := s.Registry.Cancel(ctx, owner); err != nil && err != gateway.ErrNoMembership {
		logger.Error("Unable to cancel disputed membership",
			zap.Error(err),
			zap.String("UserID", owner.ID),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	logger.Info("Membership canceled after dispute",
		zap.String("UserID", owner.ID),
	)
	w.WriteHeader(http.StatusNoContent)
}

// Router setups the path routing for Checkout.com webhooks
func (s *CheckoutService) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/dispute_received", s.disputeReceived)

	return r
}

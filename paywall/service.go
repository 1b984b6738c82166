package paywall

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

// AccountStore is the extra user persistence the HTTP layer needs on
// top of the checkout flow.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
	SetPassword(ctx context.Context, userID, hashed string) error
}

type ServiceOptions struct {
	Logger   *zap.Logger
	Flow     *Flow
	Registry *gateway.Registry
	Users    UserStore
	Accounts AccountStore
	Tokens   *user.TokenIssuer
}

type Service struct {
	ServiceOptions
	validate *validator.Validate
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	if option.Flow == nil {
		return nil, extErrors.New("nil Flow is invalid")
	}
	if option.Registry == nil {
		return nil, extErrors.New("nil Registry is invalid")
	}
	if option.Users == nil {
		return nil, extErrors.New("nil Users is invalid")
	}
	if option.Accounts == nil {
		return nil, extErrors.New("nil Accounts is invalid")
	}
	if option.Tokens == nil {
		return nil, extErrors.New("nil Tokens is invalid")
	}
	return &Service{
		ServiceOptions: option,
		validate:       validator.New(),
	}, nil
}

type CheckoutRequest struct {
	Email       string `json:"email" validate:"required,email"`
	FullName    string `json:"fullName"`
	PlanID      string `json:"planId" validate:"required"`
	TrialTier   string `json:"trialTier" validate:"required,oneof=standard chase timeout"`
	System      string `json:"system" validate:"required,oneof=checkout solidgate stripe"`
	MethodType  string `json:"methodType" validate:"required,oneof=card apple_pay google_pay"`
	Token       string `json:"token" validate:"required"`
	Geo         string `json:"geo" validate:"required,len=2"`
	Fingerprint string `json:"fingerprint"`
	BIN         string `json:"bin"`
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}

func (s *Service) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	logger := s.Logger.With(zap.String("Email", req.Email))

	result, err := s.Flow.Checkout(ctx, CheckoutInput{
		Email:       req.Email,
		FullName:    req.FullName,
		PlanID:      req.PlanID,
		TrialTier:   subscription.TrialTier(req.TrialTier),
		System:      user.PaymentSystem(req.System),
		MethodType:  payment.MethodType(req.MethodType),
		Token:       req.Token,
		IP:          clientIP(r),
		Geo:         req.Geo,
		Fingerprint: req.Fingerprint,
		BIN:         req.BIN,
	})
	switch {
	case err == ErrCheckoutBlocked:
		resp.WriteError(w, r, resp.ErrConflict().AddMessages("You already have an active subscription"))
		return
	case err == ErrRejected:
		resp.WriteError(w, r, resp.ErrPaymentDeclined().AddMessages("Payment cannot be processed"))
		return
	case err != nil:
		logger.Error("Checkout failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to process checkout"))
		return
	}

	if result.Declined {
		resp.WriteError(w, r, resp.ErrPaymentDeclined().
			AddMessages(result.ErrorMessage).
			WithResult(map[string]string{"errorCode": result.ErrorCode}))
		return
	}
	resp.WriteResponse(w, r, result)
}

type CompleteRequest struct {
	PendingID string `json:"pendingId" validate:"required"`
}

// complete finishes a checkout that was parked on a 3DS challenge
func (s *Service) complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	result, err := s.Flow.Complete(ctx, req.PendingID)
	switch {
	case err == ErrPendingUnknown:
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Unknown pending payment"))
		return
	case err != nil:
		s.Logger.Error("Checkout completion failed",
			zap.Error(err),
			zap.String("PendingID", req.PendingID),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to complete checkout"))
		return
	}

	if result.Declined {
		resp.WriteError(w, r, resp.ErrPaymentDeclined().
			AddMessages(result.ErrorMessage).
			WithResult(map[string]string{"errorCode": result.ErrorCode}))
		return
	}
	resp.WriteResponse(w, r, result)
}

type MembershipRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (s *Service) lookupUser(w http.ResponseWriter, r *http.Request) *user.User {
	var req MembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return nil
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return nil
	}
	u, err := s.Users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return nil
	}
	if u == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("User not found"))
		return nil
	}
	return u
}

func (s *Service) cancel(w http.ResponseWriter, r *http.Request) {
	u := s.lookupUser(w, r)
	if u == nil {
		return
	}
	sub, err := s.Registry.Cancel(r.Context(), u)
	switch {
	case err == gateway.ErrNoMembership:
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No membership to cancel"))
		return
	case err != nil:
		s.Logger.Error("Unable to cancel membership",
			zap.Error(err),
			zap.String("UserID", u.ID),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to cancel membership"))
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) resume(w http.ResponseWriter, r *http.Request) {
	u := s.lookupUser(w, r)
	if u == nil {
		return
	}
	outcome, err := s.Registry.Resume(r.Context(), u)
	if err != nil {
		s.Logger.Error("Unable to resume membership",
			zap.Error(err),
			zap.String("UserID", u.ID),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to resume membership"))
		return
	}
	switch outcome {
	case gateway.ResumeNone:
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No paused membership"))
	case gateway.ResumePartial:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMultiStatus)
		json.NewEncoder(w).Encode(map[string]string{"status": string(outcome)})
	default:
		resp.WriteResponse(w, r, map[string]string{"status": string(outcome)})
	}
}

type RegisterRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

// register completes a funnel account using the signed token issued at
// checkout.
func (s *Service) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	claims, err := s.Tokens.VerifyRegisterToken(req.Token)
	if err != nil || claims == nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid or expired token"))
		return
	}
	u, err := s.Accounts.GetByID(ctx, claims.UserID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if u == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("User not found"))
		return
	}
	if u.Registered() {
		resp.WriteError(w, r, resp.ErrConflict().AddMessages("Registration already completed"))
		return
	}
	hashed, err := user.HashPassword(req.Password)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if err := s.Accounts.SetPassword(ctx, u.ID, hashed); err != nil {
		s.Logger.Error("Unable to set password",
			zap.Error(err),
			zap.String("UserID", u.ID),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.checkout)
	r.Post("/complete", s.complete)
	r.Post("/cancel", s.cancel)
	r.Post("/resume", s.resume)
	r.Post("/register", s.register)

	return r
}

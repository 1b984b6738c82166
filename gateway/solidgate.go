package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/job-escape/users-backend/billing"
	"github.com/job-escape/users-backend/external"
	"github.com/job-escape/users-backend/payment"
	"github.com/job-escape/users-backend/subscription"
	"github.com/job-escape/users-backend/user"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	_ Gateway         = &SolidgateGateway{}
	_ PaymentResolver = &SolidgateGateway{}
)

// SolidgateGateway bills through Solidgate. The provider owns a
// subscription object per membership, so cancel and resume are real
// API calls against it.
type SolidgateGateway struct {
	logger *zap.Logger
	client *external.SolidgateClient
}

func NewSolidgateGateway(logger *zap.Logger, client *external.SolidgateClient) (*SolidgateGateway, error) {
	if logger == nil {
		return nil, extErrors.New("nil logger is invalid")
	}
	if client == nil {
		return nil, extErrors.New("nil client is invalid")
	}
	return &SolidgateGateway{
		logger: logger,
		client: client,
	}, nil
}

func (g *SolidgateGateway) System() user.PaymentSystem {
	return user.SystemSolidgate
}

type solidgateChargeRequest struct {
	OrderID          string `json:"order_id"`
	OrderDescription string `json:"order_description"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	PaymentToken     string `json:"payment_token,omitempty"`
	RecurringToken   string `json:"recurring_token,omitempty"`
	CustomerEmail    string `json:"customer_email,omitempty"`
	CustomerID       string `json:"customer_account_id,omitempty"`
	IPAddress        string `json:"ip_address,omitempty"`
	Platform         string `json:"platform"`
	Force3DS         bool   `json:"force3ds,omitempty"`
	PaymentType      string `json:"payment_type,omitempty"`
}

type solidgateChargeResponse struct {
	Order struct {
		OrderID        string `json:"order_id"`
		Status         string `json:"status"`
		SubscriptionID string `json:"subscription_id"`
	} `json:"order"`
	Transaction struct {
		ID   string `json:"id"`
		Card struct {
			Brand       string `json:"brand"`
			Number      string `json:"number"`
			ExpMonth    int    `json:"card_exp_month"`
			ExpYear     int    `json:"card_exp_year"`
			Fingerprint string `json:"card_token"`
		} `json:"card"`
	} `json:"transaction"`
	Error struct {
		Code           string `json:"code"`
		RecommendedMsg string `json:"recommended_message_for_user"`
	} `json:"error"`
	VerifyURL string `json:"verify_url"`
}

func last4(masked string) string {
	if len(masked) < 4 {
		return masked
	}
	return masked[len(masked)-4:]
}

func (g *SolidgateGateway) charge(ctx context.Context, op, uri string, payload solidgateChargeRequest, threeDS bool) (*ChargeResult, error) {
	code, body, err := g.client.PostGate(ctx, uri, payload)
	if err != nil {
		return nil, &Error{System: user.SystemSolidgate, Op: op, Err: err}
	}
	return g.interpret(op, code, body, threeDS)
}

func (g *SolidgateGateway) interpret(op string, code int, body []byte, threeDS bool) (*ChargeResult, error) {
	var res solidgateChargeResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &Error{System: user.SystemSolidgate, Op: op, Err: err}
	}
	if code != http.StatusOK {
		if res.Error.Code != "" {
			return &ChargeResult{
				Outcome:      OutcomeDeclined,
				PaymentID:    res.Order.OrderID,
				ErrorCode:    res.Error.Code,
				ErrorMessage: res.Error.RecommendedMsg,
			}, nil
		}
		return nil, &Error{
			System: user.SystemSolidgate,
			Op:     op,
			Err:    fmt.Errorf("unexpected status %d: %s", code, string(body)),
		}
	}
	switch res.Order.Status {
	case "approved", "settle_ok", "auth_ok":
		month := fmt.Sprintf("%02d", res.Transaction.Card.ExpMonth)
		year := fmt.Sprintf("%d", res.Transaction.Card.ExpYear)
		return &ChargeResult{
			Outcome:                OutcomeAuthorized,
			PaymentID:              res.Order.OrderID,
			SourceID:               res.Transaction.Card.Fingerprint,
			Fingerprint:            res.Transaction.Card.Fingerprint,
			CardScheme:             res.Transaction.Card.Brand,
			CardLast4:              last4(res.Transaction.Card.Number),
			CardExpMonth:           month,
			CardExpYear:            year,
			ThreeDSUsed:            threeDS,
			ProviderSubscriptionID: res.Order.SubscriptionID,
		}, nil
	case "3ds_verify", "processing":
		return &ChargeResult{
			Outcome:     OutcomePending,
			PendingID:   res.Order.OrderID,
			RedirectURL: res.VerifyURL,
		}, nil
	default:
		return &ChargeResult{
			Outcome:      OutcomeDeclined,
			PaymentID:    res.Order.OrderID,
			ErrorCode:    res.Error.Code,
			ErrorMessage: res.Error.RecommendedMsg,
		}, nil
	}
}

func (g *SolidgateGateway) ChargeFirst(ctx context.Context, req FirstCharge) (*ChargeResult, error) {
	minor, err := billing.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot convert amount")
	}
	return g.charge(ctx, "ChargeFirst", "/charge", solidgateChargeRequest{
		OrderID:          req.OrderID,
		OrderDescription: "Membership",
		Amount:           minor,
		Currency:         string(req.Currency),
		PaymentToken:     req.Token,
		CustomerEmail:    req.Email,
		CustomerID:       req.CustomerID,
		IPAddress:        req.IP,
		Platform:         "WEB",
		Force3DS:         req.Force3DS,
	}, req.Force3DS)
}

func (g *SolidgateGateway) ChargeRecurring(ctx context.Context, req RecurringCharge) (*ChargeResult, error) {
	minor, err := billing.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot convert amount")
	}
	return g.charge(ctx, "ChargeRecurring", "/recurring", solidgateChargeRequest{
		OrderID:          req.OrderID,
		OrderDescription: "Membership renewal",
		Amount:           minor,
		Currency:         string(req.Currency),
		RecurringToken:   req.SourceID,
		CustomerEmail:    req.Email,
		CustomerID:       req.CustomerID,
		IPAddress:        req.IP,
		Platform:         "WEB",
		Force3DS:         req.ThreeDS,
		PaymentType:      "recurring",
	}, req.ThreeDS)
}

type solidgateStatusRequest struct {
	OrderID string `json:"order_id"`
}

// PaymentResult polls the order that was left pending on a 3DS
// challenge. The status endpoint answers in the same shape as a charge,
// so the response is interpreted the same way.
func (g *SolidgateGateway) PaymentResult(ctx context.Context, paymentID string) (*ChargeResult, error) {
	code, body, err := g.client.PostGate(ctx, "/status", solidgateStatusRequest{OrderID: paymentID})
	if err != nil {
		return nil, &Error{System: user.SystemSolidgate, Op: "PaymentResult", Err: err}
	}
	return g.interpret("PaymentResult", code, body, true)
}

// CreateCustomer is a no-op: Solidgate keys customers by the
// customer_account_id we pass on every charge.
func (g *SolidgateGateway) CreateCustomer(ctx context.Context, email, fullName string) (string, error) {
	return email, nil
}

type solidgateCancelRequest struct {
	SubscriptionID string `json:"subscription_id"`
	Force          bool   `json:"force"`
	CancelCode     string `json:"cancel_code"`
}

// CancelMembership cancels the provider-side subscription, forcing
// immediate cancellation when the membership is overdue so the
// provider stops its own retries. Locally an overdue membership hard
// cancels; otherwise it pauses and stays resumable.
func (g *SolidgateGateway) CancelMembership(ctx context.Context, binding *payment.Binding, overdue bool) (subscription.Status, error) {
	code, body, err := g.client.PostSubscriptions(ctx, "/subscription/cancel", solidgateCancelRequest{
		SubscriptionID: binding.ProviderSubscriptionID,
		Force:          overdue,
		CancelCode:     "8.14", // cancellation by customer
	})
	if err != nil {
		return "", &Error{System: user.SystemSolidgate, Op: "CancelMembership", Err: err}
	}
	if code != http.StatusOK {
		// An already canceled provider subscription is not an error,
		// cancel must stay idempotent.
		var res struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if jsonErr := json.Unmarshal(body, &res); jsonErr == nil && res.Error.Code == "5.02" {
			g.logger.Info("Provider subscription already canceled",
				zap.String("SubscriptionID", binding.SubscriptionID),
			)
		} else {
			return "", &Error{
				System: user.SystemSolidgate,
				Op:     "CancelMembership",
				Err:    fmt.Errorf("unexpected status %d: %s", code, string(body)),
			}
		}
	}
	if overdue {
		return subscription.StatusCanceled, nil
	}
	return subscription.StatusPaused, nil
}

type solidgateRestoreRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

func (g *SolidgateGateway) ResumeMembership(ctx context.Context, binding *payment.Binding) error {
	code, body, err := g.client.PostSubscriptions(ctx, "/subscription/restore", solidgateRestoreRequest{
		SubscriptionID: binding.ProviderSubscriptionID,
	})
	if err != nil {
		return &Error{System: user.SystemSolidgate, Op: "ResumeMembership", Err: err}
	}
	if code != http.StatusOK {
		return &Error{
			System: user.SystemSolidgate,
			Op:     "ResumeMembership",
			Err:    fmt.Errorf("unexpected status %d: %s", code, string(body)),
		}
	}
	return nil
}

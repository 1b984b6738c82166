package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/job-escape/users-backend/billing"
	"github.com/job-escape/users-backend/external"
	"github.com/job-escape/users-backend/payment"
	"github.com/job-escape/users-backend/subscription"
	"github.com/job-escape/users-backend/user"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	_ Gateway         = &CheckoutGateway{}
	_ PaymentResolver = &CheckoutGateway{}
)

// CheckoutGateway bills through Checkout.com. The recurring schedule is
// ours: the provider only sees individual charges, so cancel and resume
// are local state decisions with no provider call.
type CheckoutGateway struct {
	logger    *zap.Logger
	client    *external.CheckoutClient
	channelID string
	reference string
}

func NewCheckoutGateway(logger *zap.Logger, client *external.CheckoutClient, channelID, reference string) (*CheckoutGateway, error) {
	if logger == nil {
		return nil, extErrors.New("nil logger is invalid")
	}
	if client == nil {
		return nil, extErrors.New("nil client is invalid")
	}
	return &CheckoutGateway{
		logger:    logger,
		client:    client,
		channelID: channelID,
		reference: reference,
	}, nil
}

func (g *CheckoutGateway) System() user.PaymentSystem {
	return user.SystemCheckout
}

type checkoutSource struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	ID    string `json:"id,omitempty"`
}

type checkoutCustomer struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type checkoutThreeDS struct {
	Enabled    bool `json:"enabled"`
	AttemptN3D bool `json:"attempt_n3d,omitempty"`
}

type checkoutPaymentRequest struct {
	Source              checkoutSource    `json:"source"`
	Amount              int64             `json:"amount"`
	Currency            string            `json:"currency"`
	Customer            *checkoutCustomer `json:"customer,omitempty"`
	PaymentType         string            `json:"payment_type,omitempty"`
	MerchantInitiated   bool              `json:"merchant_initiated"`
	PreviousPaymentID   string            `json:"previous_payment_id,omitempty"`
	ThreeDS             checkoutThreeDS   `json:"3ds"`
	ProcessingChannelID string            `json:"processing_channel_id,omitempty"`
	PaymentIP           string            `json:"payment_ip,omitempty"`
	Reference           string            `json:"reference,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

type checkoutPaymentResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Approved        bool   `json:"approved"`
	ResponseCode    string `json:"response_code"`
	ResponseSummary string `json:"response_summary"`
	Source          struct {
		ID          string `json:"id"`
		Fingerprint string `json:"fingerprint"`
		Scheme      string `json:"scheme"`
		Last4       string `json:"last4"`
		ExpiryMonth int    `json:"expiry_month"`
		ExpiryYear  int    `json:"expiry_year"`
	} `json:"source"`
	Links struct {
		Redirect struct {
			Href string `json:"href"`
		} `json:"redirect"`
	} `json:"_links"`
}

func (g *CheckoutGateway) requestPayment(ctx context.Context, op string, payload checkoutPaymentRequest) (*ChargeResult, error) {
	code, body, err := g.client.Post(ctx, "/payments", payload)
	if err != nil {
		return nil, &Error{System: user.SystemCheckout, Op: op, Err: err}
	}
	if code != http.StatusCreated && code != http.StatusAccepted {
		return nil, &Error{
			System: user.SystemCheckout,
			Op:     op,
			Err:    fmt.Errorf("unexpected status %d: %s", code, string(body)),
		}
	}
	var res checkoutPaymentResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &Error{System: user.SystemCheckout, Op: op, Err: err}
	}
	return checkoutChargeResult(res, payload.ThreeDS.Enabled), nil
}

func checkoutChargeResult(res checkoutPaymentResponse, threeDS bool) *ChargeResult {
	switch res.Status {
	case "Authorized", "Captured", "Paid":
		return &ChargeResult{
			Outcome:      OutcomeAuthorized,
			PaymentID:    res.ID,
			SourceID:     res.Source.ID,
			Fingerprint:  res.Source.Fingerprint,
			CardScheme:   res.Source.Scheme,
			CardLast4:    res.Source.Last4,
			CardExpMonth: strconv.Itoa(res.Source.ExpiryMonth),
			CardExpYear:  strconv.Itoa(res.Source.ExpiryYear),
			ThreeDSUsed:  threeDS,
		}
	case "Pending":
		return &ChargeResult{
			Outcome:     OutcomePending,
			PendingID:   res.ID,
			RedirectURL: res.Links.Redirect.Href,
		}
	default:
		return &ChargeResult{
			Outcome:      OutcomeDeclined,
			PaymentID:    res.ID,
			ErrorCode:    res.ResponseCode,
			ErrorMessage: res.ResponseSummary,
		}
	}
}

// PaymentResult fetches the current state of a payment that was left
// pending on a 3DS challenge.
func (g *CheckoutGateway) PaymentResult(ctx context.Context, paymentID string) (*ChargeResult, error) {
	code, body, err := g.client.Get(ctx, "/payments/"+paymentID)
	if err != nil {
		return nil, &Error{System: user.SystemCheckout, Op: "PaymentResult", Err: err}
	}
	if code != http.StatusOK {
		return nil, &Error{
			System: user.SystemCheckout,
			Op:     "PaymentResult",
			Err:    fmt.Errorf("unexpected status %d: %s", code, string(body)),
		}
	}
	var res checkoutPaymentResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &Error{System: user.SystemCheckout, Op: "PaymentResult", Err: err}
	}
	return checkoutChargeResult(res, true), nil
}

func (g *CheckoutGateway) ChargeFirst(ctx context.Context, req FirstCharge) (*ChargeResult, error) {
	minor, err := billing.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot convert amount")
	}
	return g.requestPayment(ctx, "ChargeFirst", checkoutPaymentRequest{
		Source:              checkoutSource{Type: "token", Token: req.Token},
		Amount:              minor,
		Currency:            string(req.Currency),
		Customer:            &checkoutCustomer{ID: req.CustomerID, Email: req.Email},
		MerchantInitiated:   false,
		ThreeDS:             checkoutThreeDS{Enabled: req.Force3DS, AttemptN3D: req.Force3DS},
		ProcessingChannelID: g.channelID,
		PaymentIP:           req.IP,
		Reference:           g.reference,
		Metadata:            map[string]string{"user_id": req.UserID, "order_id": req.OrderID},
	})
}

func (g *CheckoutGateway) ChargeRecurring(ctx context.Context, req RecurringCharge) (*ChargeResult, error) {
	minor, err := billing.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot convert amount")
	}
	return g.requestPayment(ctx, "ChargeRecurring", checkoutPaymentRequest{
		Source:              checkoutSource{Type: "id", ID: req.SourceID},
		Amount:              minor,
		Currency:            string(req.Currency),
		Customer:            &checkoutCustomer{ID: req.CustomerID},
		PaymentType:         "Recurring",
		MerchantInitiated:   true,
		PreviousPaymentID:   req.PreviousPaymentID,
		ThreeDS:             checkoutThreeDS{Enabled: req.ThreeDS, AttemptN3D: req.ThreeDS},
		ProcessingChannelID: g.channelID,
		PaymentIP:           req.IP,
		Reference:           g.reference,
		Metadata:            map[string]string{"user_id": req.UserID, "order_id": req.OrderID},
	})
}

type checkoutCustomerResponse struct {
	ID string `json:"id"`
}

func (g *CheckoutGateway) CreateCustomer(ctx context.Context, email, fullName string) (string, error) {
	code, body, err := g.client.Post(ctx, "/customers", checkoutCustomer{Email: email, Name: fullName})
	if err != nil {
		return "", &Error{System: user.SystemCheckout, Op: "CreateCustomer", Err: err}
	}
	switch code {
	case http.StatusCreated:
		var res checkoutCustomerResponse
		if err := json.Unmarshal(body, &res); err != nil {
			return "", &Error{System: user.SystemCheckout, Op: "CreateCustomer", Err: err}
		}
		return res.ID, nil
	case http.StatusUnprocessableEntity, http.StatusConflict:
		// Customer already exists, fall back to a lookup by email
		code, body, err = g.client.Get(ctx, "/customers/"+email)
		if err != nil {
			return "", &Error{System: user.SystemCheckout, Op: "CreateCustomer", Err: err}
		}
		if code != http.StatusOK {
			return "", &Error{
				System: user.SystemCheckout,
				Op:     "CreateCustomer",
				Err:    fmt.Errorf("lookup returned status %d", code),
			}
		}
		var res checkoutCustomerResponse
		if err := json.Unmarshal(body, &res); err != nil {
			return "", &Error{System: user.SystemCheckout, Op: "CreateCustomer", Err: err}
		}
		return res.ID, nil
	default:
		return "", &Error{
			System: user.SystemCheckout,
			Op:     "CreateCustomer",
			Err:    fmt.Errorf("unexpected status %d: %s", code, string(body)),
		}
	}
}

// InstrumentScheme fetches the stored instrument to recover its card
// scheme.
func (g *CheckoutGateway) InstrumentScheme(ctx context.Context, sourceID string) (string, error) {
	code, body, err := g.client.Get(ctx, "/instruments/"+sourceID)
	if err != nil {
		return "", &Error{System: user.SystemCheckout, Op: "InstrumentScheme", Err: err}
	}
	if code != http.StatusOK {
		return "", &Error{
			System: user.SystemCheckout,
			Op:     "InstrumentScheme",
			Err:    fmt.Errorf("unexpected status %d", code),
		}
	}
	var res struct {
		Scheme string `json:"scheme"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", &Error{System: user.SystemCheckout, Op: "InstrumentScheme", Err: err}
	}
	return res.Scheme, nil
}

// CancelMembership never calls the provider: hard cancel when already
// overdue to stop futile retries, pause otherwise.
func (g *CheckoutGateway) CancelMembership(ctx context.Context, binding *payment.Binding, overdue bool) (subscription.Status, error) {
	if overdue {
		return subscription.StatusCanceled, nil
	}
	return subscription.StatusPaused, nil
}

// ResumeMembership is local as well; the billing engine resumes the
// charge schedule.
func (g *CheckoutGateway) ResumeMembership(ctx context.Context, binding *payment.Binding) error {
	return nil
}

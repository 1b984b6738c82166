package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/job-escape/users-backend/payment"
	"github.com/job-escape/users-backend/subscription"
	"github.com/job-escape/users-backend/user"

	"go.uber.org/zap"
)

type fakeTransactions struct {
	byPayment map[string]*payment.Transaction
}

func (f *fakeTransactions) TransactionByPaymentID(ctx context.Context, paymentID string) (*payment.Transaction, error) {
	return f.byPayment[paymentID], nil
}

type fakeUserStore struct {
	byID map[string]*user.User
}

func (f *fakeUserStore) GetByID(ctx context.Context, id string) (*user.User, error) {
	return f.byID[id], nil
}

type fakeCanceler struct {
	canceled []string
}

func (f *fakeCanceler) Cancel(ctx context.Context, u *user.User) (*subscription.Subscription, error) {
	f.canceled = append(f.canceled, u.ID)
	return &subscription.Subscription{ID: "sub-1", UserID: u.ID, Status: subscription.StatusCanceled}, nil
}

func newCheckoutService(t *testing.T, canceler *fakeCanceler) *CheckoutService {
	t.Helper()
	owner := &user.User{ID: "user-1", Email: "buyer@example.com"}
	service, err := NewCheckoutService(CheckoutServiceOptions{
		Logger: zap.NewNop(),
		Transactions: &fakeTransactions{byPayment: map[string]*payment.Transaction{
			"pay-1": {ID: "tx-1", SubscriptionID: "sub-1", PaymentID: "pay-1"},
		}},
		Subscriptions: &fakeSubStore{subs: map[string]*subscription.Subscription{
			"sub-1": {ID: "sub-1", UserID: "user-1", Status: subscription.StatusActive, User: owner},
		}},
		Users:    &fakeUserStore{byID: map[string]*user.User{"user-1": owner}},
		Registry: canceler,
		Deduper:  newMemoryDeduper(),
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return service
}

func postDispute(service *CheckoutService, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/dispute_received", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	service.Router().ServeHTTP(w, req)
	return w
}

func TestDisputeCancelsMembership(t *testing.T) {
	canceler := &fakeCanceler{}
	service := newCheckoutService(t, canceler)

	body := `{"type": "dispute_received", "data": {"payment_id": "pay-1"}}`
	w := postDispute(service, body)
	if w.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	if len(canceler.canceled) != 1 || canceler.canceled[0] != "user-1" {
		t.Fatalf("expected one cancel for user-1, got %v", canceler.canceled)
	}

	// Redelivery is acknowledged without a second cancel.
	w = postDispute(service, body)
	if w.Code != http.StatusNoContent {
		t.Fatalf("duplicate: unexpected status %d", w.Code)
	}
	if len(canceler.canceled) != 1 {
		t.Fatalf("duplicate delivery canceled again: %v", canceler.canceled)
	}
}

func TestDisputeRejectsOtherEventTypes(t *testing.T) {
	canceler := &fakeCanceler{}
	service := newCheckoutService(t, canceler)

	w := postDispute(service, `{"type": "payment_captured", "data": {"payment_id": "pay-1"}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(canceler.canceled) != 0 {
		t.Fatal("wrong event type must not cancel")
	}
}

func TestDisputeForUnknownPayment(t *testing.T) {
	canceler := &fakeCanceler{}
	service := newCheckoutService(t, canceler)

	w := postDispute(service, `{"type": "dispute_received", "data": {"payment_id": "pay-unknown"}}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for unknown payments, got %d", w.Code)
	}
	if len(canceler.canceled) != 0 {
		t.Fatal("unknown payment must not cancel")
	}
}

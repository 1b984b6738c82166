package payment

import (
	"context"
	"errors"
	"time"

	"github.com/job-escape/users-backend/billing"
	"github.com/job-escape/users-backend/user"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to payment Attempts,
// Methods, Bindings and Transactions
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for payment records
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Attempt{}, &Method{}, &Binding{}, &Transaction{}, &PendingCharge{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize payment.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// DueAttempts returns every unexecuted attempt whose due date has passed
func (m *Manager) DueAttempts(ctx context.Context, now time.Time) ([]Attempt, error) {
	results := make([]Attempt, 0, 16)

	result := m.db.WithContext(ctx).
		Where("executed = ? AND date_due < ?", false, now).
		Order("date_due asc").
		Find(&results)

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list due attempts")
	}

	return results, nil
}

// ClaimAttempt marks the attempt executed and stores the provider outcome
// in one conditional update. It returns false when the attempt was already
// executed, which is how overlapping billing runs avoid double-charging:
// the loser of the race sees zero rows affected and stops.
func (m *Manager) ClaimAttempt(ctx context.Context, attemptID, response, code, summary string) (bool, error) {
	result := m.db.WithContext(ctx).
		Model(&Attempt{}).
		Where("id = ? AND executed = ?", attemptID, false).
		Updates(map[string]interface{}{
			"executed":         true,
			"response":         response,
			"response_code":    code,
			"response_summary": summary,
		})
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot claim attempt")
	}
	return result.RowsAffected == 1, nil
}

// ScheduleAttempt creates the successor attempt for a subscription
func (m *Manager) ScheduleAttempt(ctx context.Context, subscriptionID string, dateDue time.Time, retry int) (*Attempt, error) {
	attempt := &Attempt{
		ID:             shortuuid.New(),
		SubscriptionID: subscriptionID,
		DateDue:        dateDue,
		Retry:          retry,
	}
	result := m.db.WithContext(ctx).Create(attempt)
	if result.Error != nil {
		m.logger.Error("Unable to create new payment attempt in database",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot schedule attempt")
	}
	return attempt, nil
}

// SelectedMethod returns the user's currently selected instrument
func (m *Manager) SelectedMethod(ctx context.Context, userID string) (*Method, error) {
	var method Method

	result := m.db.WithContext(ctx).
		Where("user_id = ? AND is_selected = ?", userID, true).
		First(&method)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get selected payment method")
	}

	return &method, nil
}

// CreateSelectedMethod stores a freshly captured instrument and makes it
// the user's selected one, demoting any previous selection in the same
// transaction so the one-selected-per-user invariant holds.
func (m *Manager) CreateSelectedMethod(ctx context.Context, method *Method) error {
	if len(method.ID) == 0 {
		method.ID = shortuuid.New()
	}
	method.IsSelected = true
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		demote := tx.Model(&Method{}).
			Where("user_id = ? AND is_selected = ?", method.UserID, true).
			Update("is_selected", false)
		if demote.Error != nil {
			return demote.Error
		}
		return tx.Create(method).Error
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot create selected payment method")
	}
	return nil
}

// SaveMethodScheme backfills a lazily discovered card scheme
func (m *Manager) SaveMethodScheme(ctx context.Context, methodID, scheme string) error {
	result := m.db.WithContext(ctx).
		Model(&Method{}).
		Where("id = ?", methodID).
		Update("card_scheme", scheme)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update card scheme")
	}
	return nil
}

// UpsertBinding creates or refreshes the provider binding of a subscription
func (m *Manager) UpsertBinding(ctx context.Context, binding *Binding) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Binding
		lookupRes := tx.Where("subscription_id = ?", binding.SubscriptionID).First(&existing)
		if lookupRes.Error == nil {
			binding.ID = existing.ID
			binding.CreatedAt = existing.CreatedAt
			return tx.Save(binding).Error
		}
		if !errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return lookupRes.Error
		}
		if len(binding.ID) == 0 {
			binding.ID = shortuuid.New()
		}
		return tx.Create(binding).Error
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot upsert binding")
	}
	return nil
}

// BindingBySubscription returns the provider binding of a subscription
func (m *Manager) BindingBySubscription(ctx context.Context, subscriptionID string) (*Binding, error) {
	var binding Binding

	result := m.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		First(&binding)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get binding by subscription")
	}

	return &binding, nil
}

// BindingByProviderSubscription resolves an inbound provider webhook to
// the internal subscription it concerns
func (m *Manager) BindingByProviderSubscription(ctx context.Context, system user.PaymentSystem, providerSubID string) (*Binding, error) {
	var binding Binding

	result := m.db.WithContext(ctx).
		Where("system = ? AND provider_subscription_id = ?", system, providerSubID).
		First(&binding)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get binding by provider subscription")
	}

	return &binding, nil
}

// SaveBindingScheme backfills a lazily discovered card scheme on a binding
func (m *Manager) SaveBindingScheme(ctx context.Context, bindingID, scheme string) error {
	result := m.db.WithContext(ctx).
		Model(&Binding{}).
		Where("id = ?", bindingID).
		Update("card_scheme", scheme)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update binding card scheme")
	}
	return nil
}

// RecordTransaction appends one ledger row for a settled charge
func (m *Manager) RecordTransaction(ctx context.Context, subscriptionID, methodID, paymentID string, amount float64, currency billing.Currency) error {
	trans := &Transaction{
		ID:             shortuuid.New(),
		SubscriptionID: subscriptionID,
		MethodID:       methodID,
		PaymentID:      paymentID,
		Amount:         amount,
		Currency:       currency,
	}
	result := m.db.WithContext(ctx).Create(trans)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot record transaction")
	}
	return nil
}

// CreatePendingCharge parks a first charge that is waiting on a 3DS
// challenge so a later completion call can pick it up
func (m *Manager) CreatePendingCharge(ctx context.Context, pending *PendingCharge) error {
	result := m.db.WithContext(ctx).Create(pending)
	if result.Error != nil {
		m.logger.Error("Unable to create pending charge in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create pending charge")
	}
	return nil
}

// PendingChargeByPaymentID returns the parked charge for a provider
// payment reference, or nil when nothing is waiting on it
func (m *Manager) PendingChargeByPaymentID(ctx context.Context, paymentID string) (*PendingCharge, error) {
	var pending PendingCharge

	result := m.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		First(&pending)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get pending charge by payment id")
	}

	return &pending, nil
}

// DeletePendingCharge removes a parked charge once the payment resolved
func (m *Manager) DeletePendingCharge(ctx context.Context, paymentID string) error {
	result := m.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Delete(&PendingCharge{})
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot delete pending charge")
	}
	return nil
}

// TransactionByPaymentID resolves a provider payment reference (e.g. from
// a dispute webhook) to the ledger row that produced it
func (m *Manager) TransactionByPaymentID(ctx context.Context, paymentID string) (*Transaction, error) {
	var trans Transaction

	result := m.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		First(&trans)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get transaction by payment id")
	}

	return &trans, nil
}

package subscription

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to Plans and Subscriptions
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for subscriptions
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Plan{}, &Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

func (m *Manager) GetPlanByID(ctx context.Context, id string) (*Plan, error) {
	var plan Plan

	result := m.db.WithContext(ctx).First(&plan, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get plan by id")
	}

	return &plan, nil
}

func (m *Manager) GetByID(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription

	result := m.db.WithContext(ctx).
		Preload("Plan").
		Preload("User").
		First(&sub, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by id")
	}

	return &sub, nil
}

// HasBlockingSubscription implements the repeated-checkout guard: a user
// with any subscription outside the inactive/canceled states may not start
// another checkout.
func (m *Manager) HasBlockingSubscription(ctx context.Context, userID string) (bool, error) {
	var count int64
	result := m.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("user_id = ?", userID).
		Not("status IN ?", []Status{StatusInactive, StatusCanceled}).
		Count(&count)
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot check for blocking subscriptions")
	}
	return count > 0, nil
}

// FirstCancellable returns the user's most recent non-canceled subscription
func (m *Manager) FirstCancellable(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription

	result := m.db.WithContext(ctx).
		Preload("Plan").
		Preload("User").
		Where("user_id = ?", userID).
		Not("status = ?", StatusCanceled).
		Order("created_at desc").
		First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get cancellable subscription")
	}

	return &sub, nil
}

// ListPaused returns every paused subscription of the user, most recent first
func (m *Manager) ListPaused(ctx context.Context, userID string) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)

	result := m.db.WithContext(ctx).
		Preload("Plan").
		Where("user_id = ?", userID).
		Where("status = ?", StatusPaused).
		Order("created_at desc").
		Find(&results)

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list paused subscriptions")
	}

	return results, nil
}

// EnsureInactive returns the user's inactive placeholder for the plan,
// creating one if needed. Used before a 3DS challenge resolves.
func (m *Manager) EnsureInactive(ctx context.Context, userID, planID string) (*Subscription, error) {
	var sub Subscription
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupRes := tx.
			Where("user_id = ? AND plan_id = ? AND status = ?", userID, planID, StatusInactive).
			First(&sub)
		if lookupRes.Error == nil {
			return nil
		}
		if !errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return lookupRes.Error
		}
		sub = Subscription{
			ID:     shortuuid.New(),
			UserID: userID,
			PlanID: planID,
			Status: StatusInactive,
		}
		return tx.Create(&sub).Error
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot ensure inactive subscription")
	}
	return &sub, nil
}

// ActivateTrial upgrades the user's inactive placeholder for the plan to
// trialing, or creates the subscription outright when no placeholder
// exists (non-3DS flow).
func (m *Manager) ActivateTrial(ctx context.Context, userID, planID string, expires time.Time) (*Subscription, error) {
	var sub Subscription
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND plan_id = ? AND status = ?", userID, planID, StatusInactive).
			First(&sub)
		if lookupRes.Error != nil && !errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return lookupRes.Error
		}
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			sub = Subscription{
				ID:     shortuuid.New(),
				UserID: userID,
				PlanID: planID,
				Status: StatusInactive,
			}
			if createRes := tx.Create(&sub); createRes.Error != nil {
				return createRes.Error
			}
		}
		sub.MarkTrialing(expires)
		return tx.Save(&sub).Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot activate trial subscription")
	}
	return &sub, nil
}

// LambdaUpdateFunc is used when a transaction is required for update. The
// return value determines if the Manager should commit the changes. Note
// that current and desired may be nil if no Subscription with the given id
// was found, and the lambda must return false in that case.
type LambdaUpdateFunc func(current *Subscription, desired *Subscription) (shouldSave bool)

// LambdaUpdate will perform a transactional update based on the lambda
// function. If the lambda signals shouldSave AND the update was successful,
// it will return the new state. The selected Subscription is locked with
// FOR UPDATE, which is what keeps concurrent webhook deliveries and
// billing runs from interleaving transitions.
func (m *Manager) LambdaUpdate(ctx context.Context, id string, lambda LambdaUpdateFunc) (*Subscription, error) {
	var desired Subscription
	var shouldReturn bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Subscription
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", id)
		if lookupRes.Error == nil {
			desired = current
			if lambda(&current, &desired) {
				if saveRes := tx.Save(&desired); saveRes.Error != nil {
					return saveRes.Error
				}
				shouldReturn = true
			}
			return nil
		} else if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			lambda(nil, nil)
			return nil
		}
		return lookupRes.Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		// transaction failed, return nil new state
		return nil, err
	}
	if !shouldReturn {
		// shouldSave == false, return nil new state
		return nil, nil
	}
	// transaction succeed and shouldSave == true, return new state
	return &desired, nil
}

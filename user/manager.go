package user

import (
	"context"
	"errors"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to Users
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for users
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize user.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Create persists a new funnel user. The caller fills Email and geo
// context; ID is assigned here when empty.
func (m *Manager) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = shortuuid.New()
	}
	result := m.db.WithContext(ctx).Create(u)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create user")
	}
	return nil
}

func (m *Manager) GetByID(ctx context.Context, id string) (*User, error) {
	var u User

	result := m.db.WithContext(ctx).First(&u, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get user by id")
	}

	return &u, nil
}

// GetByEmail matches against both the account email and the payment email,
// since providers report whichever address the card was entered with.
func (m *Manager) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User

	result := m.db.WithContext(ctx).
		Where("email = ?", email).
		Or("payment_email = ?", email).
		First(&u)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get user by email")
	}

	return &u, nil
}

// GetUnregisteredByEmail returns the user only if registration is still
// pending. The paywall serves funnel users that have no password yet.
func (m *Manager) GetUnregisteredByEmail(ctx context.Context, email string) (*User, error) {
	u, err := m.GetByEmail(ctx, email)
	if err != nil || u == nil {
		return u, err
	}
	if u.Registered() {
		return nil, nil
	}
	return u, nil
}

// SetPassword completes registration for a funnel user
func (m *Manager) SetPassword(ctx context.Context, userID, hashed string) error {
	result := m.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Update("password", hashed)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update password")
	}
	return nil
}

// SetPaymentSystem records which provider now holds the user's instrument
func (m *Manager) SetPaymentSystem(ctx context.Context, userID string, system PaymentSystem) error {
	result := m.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Update("payment_system", system)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update payment system")
	}
	return nil
}

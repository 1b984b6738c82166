package fraud

import (
	"context"
	"time"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager is the gorm-backed History implementation.
type Manager struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ History = &Manager{}

func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, extErrors.New("nil logger is invalid")
	}
	if db == nil {
		return nil, extErrors.New("nil db is invalid")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize fraud.Manager")
	}
	return &Manager{
		logger: logger,
		db:     db,
	}, nil
}

func (m *Manager) Append(ctx context.Context, record *Record) error {
	if record.ID == "" {
		record.ID = shortuuid.New()
	}
	record.CreatedAt = time.Now().UTC()
	result := m.db.WithContext(ctx).Create(record)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot append fraud record")
	}
	return nil
}

func (m *Manager) SetErrorCode(ctx context.Context, recordID, code string) error {
	result := m.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ?", recordID).
		Update("error_code", code)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot backfill fraud record error code")
	}
	return nil
}

func (m *Manager) distinctCount(ctx context.Context, column, whereColumn, value string, since time.Time) (int, error) {
	var count int64
	result := m.db.WithContext(ctx).
		Model(&Record{}).
		Where(whereColumn+" = ? AND created_at >= ?", value, since).
		Distinct(column).
		Count(&count)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, extErrors.Wrap(result.Error, "Cannot count fraud records")
	}
	return int(count), nil
}

func (m *Manager) DistinctEmailsByFingerprint(ctx context.Context, fingerprint string, since time.Time) (int, error) {
	return m.distinctCount(ctx, "email", "fingerprint", fingerprint, since)
}

func (m *Manager) DistinctFingerprintsByEmail(ctx context.Context, email string, since time.Time) (int, error) {
	return m.distinctCount(ctx, "fingerprint", "email", email, since)
}

func (m *Manager) DistinctEmailsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	return m.distinctCount(ctx, "email", "ip", ip, since)
}

func (m *Manager) DistinctGeosByEmail(ctx context.Context, email string, since time.Time) (int, error) {
	return m.distinctCount(ctx, "geo", "email", email, since)
}

func (m *Manager) codeCount(ctx context.Context, whereColumn, value string, codes []string, since time.Time) (int, error) {
	var count int64
	result := m.db.WithContext(ctx).
		Model(&Record{}).
		Where(whereColumn+" = ? AND error_code IN ? AND created_at >= ?", value, codes, since).
		Count(&count)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, extErrors.Wrap(result.Error, "Cannot count fraud records")
	}
	return int(count), nil
}

func (m *Manager) CountByEmailWithCodes(ctx context.Context, email string, codes []string, since time.Time) (int, error) {
	return m.codeCount(ctx, "email", email, codes, since)
}

func (m *Manager) CountByFingerprintWithCodes(ctx context.Context, fingerprint string, codes []string, since time.Time) (int, error) {
	return m.codeCount(ctx, "fingerprint", fingerprint, codes, since)
}

func (m *Manager) CountByEmailWithAnyCode(ctx context.Context, email string, since time.Time) (int, error) {
	var count int64
	result := m.db.WithContext(ctx).
		Model(&Record{}).
		Where("email = ? AND error_code <> '' AND created_at >= ?", email, since).
		Count(&count)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, extErrors.Wrap(result.Error, "Cannot count fraud records")
	}
	return int(count), nil
}

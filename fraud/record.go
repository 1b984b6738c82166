package fraud

import (
	"context"
	"time"
)

// Record is one append-only row of first-charge risk signals. Rows are
// written before the rule battery runs, so a rejected attempt still feeds
// future velocity counts. The only permitted update is the error-code
// backfill once the provider responds.
type Record struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	Email       string    `json:"email" gorm:"index:idx_fraud_email"`
	IP          string    `json:"ip" gorm:"index"`
	Geo         string    `json:"geo"`
	Fingerprint string    `json:"fingerprint" gorm:"index:idx_fraud_fingerprint"`
	BIN         string    `json:"bin"`
	PlanID      string    `json:"planId"`
	TrialTier   string    `json:"trialTier"`
	ErrorCode   string    `json:"errorCode"`
	CreatedAt   time.Time `json:"createdAt" gorm:"index:idx_fraud_email;index:idx_fraud_fingerprint"`
}

// History is the windowed view over past Records the Gate evaluates
// against. Counts include rows appended in the same evaluation.
type History interface {
	Append(ctx context.Context, record *Record) error
	SetErrorCode(ctx context.Context, recordID, code string) error

	DistinctEmailsByFingerprint(ctx context.Context, fingerprint string, since time.Time) (int, error)
	DistinctFingerprintsByEmail(ctx context.Context, email string, since time.Time) (int, error)
	DistinctEmailsByIP(ctx context.Context, ip string, since time.Time) (int, error)
	DistinctGeosByEmail(ctx context.Context, email string, since time.Time) (int, error)

	CountByEmailWithCodes(ctx context.Context, email string, codes []string, since time.Time) (int, error)
	CountByFingerprintWithCodes(ctx context.Context, fingerprint string, codes []string, since time.Time) (int, error)
	CountByEmailWithAnyCode(ctx context.Context, email string, since time.Time) (int, error)
}

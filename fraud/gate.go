package fraud

import (
	"context"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

type Decision string

const (
	DecisionOK       Decision = "ok"
	DecisionForce3DS Decision = "force_3ds"
	DecisionReject   Decision = "reject"
)

// Verdict carries the gate outcome plus the id of the history row
// appended for this attempt, so the caller can backfill the decline
// code after the charge settles.
type Verdict struct {
	Decision Decision
	Rule     string
	RecordID string
}

// GeoBin pins a card BIN to the country it was issued for.
type GeoBin struct {
	Geo string
	BIN string
}

// Config holds the velocity thresholds and static lists the Gate
// evaluates. All thresholds are exclusive: a rule fires when the
// observed count is strictly greater than the configured value.
type Config struct {
	RejectGeos []string
	RejectBINs []string
	// KnownFraudCodes are decline codes associated with stolen card
	// attempts. A single hit within a month forces 3DS; repeats reject.
	KnownFraudCodes []string

	RejectEmailsPerFingerprintDay int
	RejectFingerprintsPerEmailDay int
	RejectFraudCodesMonth         int

	Force3DSGeos []GeoBin
	Force3DSBINs []string

	EmailsPerFingerprintDay  int
	EmailsPerFingerprintWeek int

	FingerprintsPerEmailHalfHour int
	FingerprintsPerEmailDay      int
	FingerprintsPerEmailWeek     int

	EmailsPerIPHalfHour int
	EmailsPerIPDay      int
	EmailsPerIPWeek     int

	GeosPerEmailHalfHour int

	ThreeDSFailuresDay int
	BlockedCardsDay    int
	AnyFailuresDay     int
	ThreeDSFailureCode string
	BlockedCardCode    string
}

func DefaultConfig() Config {
	return Config{
		RejectGeos:      []string{},
		RejectBINs:      []string{},
		KnownFraudCodes: []string{"20062", "30036", "30043", "30041"},

		RejectEmailsPerFingerprintDay: 9,
		RejectFingerprintsPerEmailDay: 9,
		RejectFraudCodesMonth:         2,

		Force3DSGeos: geoBins(
			"NA", "MW", "ZM", "TZ", "CN", "BW", "UZ", "JM", "TN", "CM",
			"YE", "BJ", "TJ", "SZ", "BT", "SE", "SR", "HT", "TD", "NG",
			"PK", "SN", "GY", "SV", "CL", "BS", "CR", "HN",
		),
		Force3DSBINs: []string{
			"521729", "472409", "457896", "483561", "434769", "448387",
			"473702", "445143", "545756", "434256", "536619", "421689",
			"412752", "476215", "465865", "400022", "430864", "517992",
		},

		EmailsPerFingerprintDay:  3,
		EmailsPerFingerprintWeek: 6,

		FingerprintsPerEmailHalfHour: 3,
		FingerprintsPerEmailDay:      4,
		FingerprintsPerEmailWeek:     6,

		EmailsPerIPHalfHour: 4,
		EmailsPerIPDay:      6,
		EmailsPerIPWeek:     11,

		GeosPerEmailHalfHour: 3,

		ThreeDSFailuresDay: 2,
		BlockedCardsDay:    3,
		AnyFailuresDay:     5,
		ThreeDSFailureCode: "20151",
		BlockedCardCode:    "20051",
	}
}

// geoBins builds country-wide force-3DS entries with no BIN pin
func geoBins(geos ...string) []GeoBin {
	pairs := make([]GeoBin, 0, len(geos))
	for _, geo := range geos {
		pairs = append(pairs, GeoBin{Geo: geo})
	}
	return pairs
}

const (
	halfHour = 30 * time.Minute
	day      = 24 * time.Hour
	week     = 7 * day
	month    = 30 * day
)

// Gate screens first-charge attempts. Evaluate appends the attempt to
// history first, then walks the reject rules and the force-3DS rules in
// order, so the attempt being screened counts against its own limits.
type Gate struct {
	logger  *zap.Logger
	history History
	config  Config
}

func NewGate(logger *zap.Logger, history History, config Config) (*Gate, error) {
	if logger == nil {
		return nil, extErrors.New("nil logger is invalid")
	}
	if history == nil {
		return nil, extErrors.New("nil history is invalid")
	}
	return &Gate{
		logger:  logger,
		history: history,
		config:  config,
	}, nil
}

// Input is the signal set of one first-charge attempt. BIN is the first
// six digits of the card number when the client reports it.
type Input struct {
	Email       string
	IP          string
	Geo         string
	Fingerprint string
	BIN         string
	PlanID      string
	TrialTier   string
}

func (g *Gate) Evaluate(ctx context.Context, input Input) (Verdict, error) {
	record := &Record{
		Email:       input.Email,
		IP:          input.IP,
		Geo:         input.Geo,
		Fingerprint: input.Fingerprint,
		BIN:         input.BIN,
		PlanID:      input.PlanID,
		TrialTier:   input.TrialTier,
	}
	if err := g.history.Append(ctx, record); err != nil {
		return Verdict{}, err
	}
	now := time.Now().UTC()

	rule, err := g.checkReject(ctx, input, now)
	if err != nil {
		return Verdict{}, err
	}
	if rule != "" {
		g.logger.Info("Rejecting first charge",
			zap.String("rule", rule),
			zap.String("email", input.Email),
		)
		return Verdict{Decision: DecisionReject, Rule: rule, RecordID: record.ID}, nil
	}

	rule, err = g.checkForce3DS(ctx, input, now)
	if err != nil {
		return Verdict{}, err
	}
	if rule != "" {
		g.logger.Info("Forcing 3DS on first charge",
			zap.String("rule", rule),
			zap.String("email", input.Email),
		)
		return Verdict{Decision: DecisionForce3DS, Rule: rule, RecordID: record.ID}, nil
	}

	return Verdict{Decision: DecisionOK, RecordID: record.ID}, nil
}

// SetOutcome backfills the decline code onto the history row once the
// provider answers. Authorized attempts leave the code empty.
func (g *Gate) SetOutcome(ctx context.Context, recordID, errorCode string) error {
	if recordID == "" || errorCode == "" {
		return nil
	}
	return g.history.SetErrorCode(ctx, recordID, errorCode)
}

type velocityRule struct {
	name      string
	threshold int
	count     func(context.Context) (int, error)
}

func (g *Gate) firstFired(ctx context.Context, rules []velocityRule) (string, error) {
	for _, rule := range rules {
		if rule.threshold < 0 {
			continue
		}
		count, err := rule.count(ctx)
		if err != nil {
			return "", err
		}
		if count > rule.threshold {
			return rule.name, nil
		}
	}
	return "", nil
}

func (g *Gate) checkReject(ctx context.Context, input Input, now time.Time) (string, error) {
	for _, geo := range g.config.RejectGeos {
		if geo == input.Geo {
			return "geo_blocked", nil
		}
	}
	for _, bin := range g.config.RejectBINs {
		if bin != "" && bin == input.BIN {
			return "bin_blocked", nil
		}
	}
	return g.firstFired(ctx, []velocityRule{
		{"emails_per_fingerprint_day_reject", g.config.RejectEmailsPerFingerprintDay, func(ctx context.Context) (int, error) {
			return g.history.DistinctEmailsByFingerprint(ctx, input.Fingerprint, now.Add(-day))
		}},
		{"fingerprints_per_email_day_reject", g.config.RejectFingerprintsPerEmailDay, func(ctx context.Context) (int, error) {
			return g.history.DistinctFingerprintsByEmail(ctx, input.Email, now.Add(-day))
		}},
		{"fraud_codes_month_email_reject", g.config.RejectFraudCodesMonth, func(ctx context.Context) (int, error) {
			return g.history.CountByEmailWithCodes(ctx, input.Email, g.config.KnownFraudCodes, now.Add(-month))
		}},
		{"fraud_codes_month_fingerprint_reject", g.config.RejectFraudCodesMonth, func(ctx context.Context) (int, error) {
			return g.history.CountByFingerprintWithCodes(ctx, input.Fingerprint, g.config.KnownFraudCodes, now.Add(-month))
		}},
	})
}

func (g *Gate) checkForce3DS(ctx context.Context, input Input, now time.Time) (string, error) {
	for _, pair := range g.config.Force3DSGeos {
		if pair.Geo == input.Geo && (pair.BIN == "" || pair.BIN == input.BIN) {
			return "geo_force_3ds", nil
		}
	}
	for _, bin := range g.config.Force3DSBINs {
		if bin != "" && bin == input.BIN {
			return "bin_force_3ds", nil
		}
	}
	return g.firstFired(ctx, []velocityRule{
		{"emails_per_fingerprint_day", g.config.EmailsPerFingerprintDay, func(ctx context.Context) (int, error) {
			return g.history.DistinctEmailsByFingerprint(ctx, input.Fingerprint, now.Add(-day))
		}},
		{"emails_per_fingerprint_week", g.config.EmailsPerFingerprintWeek, func(ctx context.Context) (int, error) {
			return g.history.DistinctEmailsByFingerprint(ctx, input.Fingerprint, now.Add(-week))
		}},
		{"fingerprints_per_email_half_hour", g.config.FingerprintsPerEmailHalfHour, func(ctx context.Context) (int, error) {
			return g.history.DistinctFingerprintsByEmail(ctx, input.Email, now.Add(-halfHour))
		}},
		{"fingerprints_per_email_day", g.config.FingerprintsPerEmailDay, func(ctx context.Context) (int, error) {
			return g.history.DistinctFingerprintsByEmail(ctx, input.Email, now.Add(-day))
		}},
		{"fingerprints_per_email_week", g.config.FingerprintsPerEmailWeek, func(ctx context.Context) (int, error) {
			return g.history.DistinctFingerprintsByEmail(ctx, input.Email, now.Add(-week))
		}},
		{"emails_per_ip_half_hour", g.config.EmailsPerIPHalfHour, func(ctx context.Context) (int, error) {
			return g.history.DistinctEmailsByIP(ctx, input.IP, now.Add(-halfHour))
		}},
		{"emails_per_ip_day", g.config.EmailsPerIPDay, func(ctx context.Context) (int, error) {
			return g.history.DistinctEmailsByIP(ctx, input.IP, now.Add(-day))
		}},
		{"emails_per_ip_week", g.config.EmailsPerIPWeek, func(ctx context.Context) (int, error) {
			return g.history.DistinctEmailsByIP(ctx, input.IP, now.Add(-week))
		}},
		{"geos_per_email_half_hour", g.config.GeosPerEmailHalfHour, func(ctx context.Context) (int, error) {
			return g.history.DistinctGeosByEmail(ctx, input.Email, now.Add(-halfHour))
		}},
		{"three_ds_failures_day", g.config.ThreeDSFailuresDay, func(ctx context.Context) (int, error) {
			return g.history.CountByEmailWithCodes(ctx, input.Email, []string{g.config.ThreeDSFailureCode}, now.Add(-day))
		}},
		{"blocked_cards_day", g.config.BlockedCardsDay, func(ctx context.Context) (int, error) {
			return g.history.CountByEmailWithCodes(ctx, input.Email, []string{g.config.BlockedCardCode}, now.Add(-day))
		}},
		{"fraud_codes_month_email", 0, func(ctx context.Context) (int, error) {
			return g.history.CountByEmailWithCodes(ctx, input.Email, g.config.KnownFraudCodes, now.Add(-month))
		}},
		{"any_failures_day", g.config.AnyFailuresDay, func(ctx context.Context) (int, error) {
			return g.history.CountByEmailWithAnyCode(ctx, input.Email, now.Add(-day))
		}},
		{"three_ds_failures_day_fingerprint", g.config.ThreeDSFailuresDay, func(ctx context.Context) (int, error) {
			return g.history.CountByFingerprintWithCodes(ctx, input.Fingerprint, []string{g.config.ThreeDSFailureCode}, now.Add(-day))
		}},
		{"fraud_codes_month_fingerprint", 0, func(ctx context.Context) (int, error) {
			return g.history.CountByFingerprintWithCodes(ctx, input.Fingerprint, g.config.KnownFraudCodes, now.Add(-month))
		}},
	})
}

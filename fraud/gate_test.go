package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

type memoryHistory struct {
	records []*Record
}

func (h *memoryHistory) Append(ctx context.Context, record *Record) error {
	record.ID = fmt.Sprintf("record-%d", len(h.records))
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	h.records = append(h.records, record)
	return nil
}

func (h *memoryHistory) SetErrorCode(ctx context.Context, recordID, code string) error {
	for _, record := range h.records {
		if record.ID == recordID {
			record.ErrorCode = code
		}
	}
	return nil
}

func (h *memoryHistory) distinct(pick func(*Record) string, match func(*Record) bool, since time.Time) (int, error) {
	seen := make(map[string]struct{})
	for _, record := range h.records {
		if record.CreatedAt.Before(since) || !match(record) {
			continue
		}
		seen[pick(record)] = struct{}{}
	}
	return len(seen), nil
}

func (h *memoryHistory) DistinctEmailsByFingerprint(ctx context.Context, fingerprint string, since time.Time) (int, error) {
	return h.distinct(
		func(r *Record) string { return r.Email },
		func(r *Record) bool { return r.Fingerprint == fingerprint },
		since,
	)
}

func (h *memoryHistory) DistinctFingerprintsByEmail(ctx context.Context, email string, since time.Time) (int, error) {
	return h.distinct(
		func(r *Record) string { return r.Fingerprint },
		func(r *Record) bool { return r.Email == email },
		since,
	)
}

func (h *memoryHistory) DistinctEmailsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	return h.distinct(
		func(r *Record) string { return r.Email },
		func(r *Record) bool { return r.IP == ip },
		since,
	)
}

func (h *memoryHistory) DistinctGeosByEmail(ctx context.Context, email string, since time.Time) (int, error) {
	return h.distinct(
		func(r *Record) string { return r.Geo },
		func(r *Record) bool { return r.Email == email },
		since,
	)
}

func (h *memoryHistory) count(match func(*Record) bool, since time.Time) (int, error) {
	count := 0
	for _, record := range h.records {
		if !record.CreatedAt.Before(since) && match(record) {
			count++
		}
	}
	return count, nil
}

func (h *memoryHistory) CountByEmailWithCodes(ctx context.Context, email string, codes []string, since time.Time) (int, error) {
	return h.count(func(r *Record) bool {
		if r.Email != email {
			return false
		}
		for _, code := range codes {
			if r.ErrorCode == code {
				return true
			}
		}
		return false
	}, since)
}

func (h *memoryHistory) CountByFingerprintWithCodes(ctx context.Context, fingerprint string, codes []string, since time.Time) (int, error) {
	return h.count(func(r *Record) bool {
		if r.Fingerprint != fingerprint {
			return false
		}
		for _, code := range codes {
			if r.ErrorCode == code {
				return true
			}
		}
		return false
	}, since)
}

func (h *memoryHistory) CountByEmailWithAnyCode(ctx context.Context, email string, since time.Time) (int, error) {
	return h.count(func(r *Record) bool {
		return r.Email == email && r.ErrorCode != ""
	}, since)
}

func newTestGate(t *testing.T, history History, config Config) *Gate {
	t.Helper()
	gate, err := NewGate(zap.NewNop(), history, config)
	if err != nil {
		t.Fatalf("NewGate() error: %v", err)
	}
	return gate
}

func TestGateVelocityRules(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name     string
		seed     []*Record
		input    Input
		expected Decision
	}{
		{
			name: "fourth distinct email on one fingerprint in a day forces 3DS",
			seed: []*Record{
				{Email: "a@example.com", Fingerprint: "fp-1", CreatedAt: now.Add(-time.Hour)},
				{Email: "b@example.com", Fingerprint: "fp-1", CreatedAt: now.Add(-2 * time.Hour)},
				{Email: "c@example.com", Fingerprint: "fp-1", CreatedAt: now.Add(-3 * time.Hour)},
			},
			input:    Input{Email: "d@example.com", Fingerprint: "fp-1", IP: "10.0.0.1", Geo: "US"},
			expected: DecisionForce3DS,
		},
		{
			name: "seventh distinct email on one fingerprint in a week forces 3DS",
			seed: []*Record{
				{Email: "a@example.com", Fingerprint: "fp-2", CreatedAt: now.Add(-2 * day)},
				{Email: "b@example.com", Fingerprint: "fp-2", CreatedAt: now.Add(-3 * day)},
				{Email: "c@example.com", Fingerprint: "fp-2", CreatedAt: now.Add(-3 * day)},
				{Email: "d@example.com", Fingerprint: "fp-2", CreatedAt: now.Add(-4 * day)},
				{Email: "e@example.com", Fingerprint: "fp-2", CreatedAt: now.Add(-5 * day)},
				{Email: "f@example.com", Fingerprint: "fp-2", CreatedAt: now.Add(-6 * day)},
			},
			input:    Input{Email: "g@example.com", Fingerprint: "fp-2", IP: "10.0.0.2", Geo: "US"},
			expected: DecisionForce3DS,
		},
		{
			name: "stale velocity outside the window passes",
			seed: []*Record{
				{Email: "a@example.com", Fingerprint: "fp-3", CreatedAt: now.Add(-8 * day)},
				{Email: "b@example.com", Fingerprint: "fp-3", CreatedAt: now.Add(-9 * day)},
				{Email: "c@example.com", Fingerprint: "fp-3", CreatedAt: now.Add(-10 * day)},
				{Email: "d@example.com", Fingerprint: "fp-3", CreatedAt: now.Add(-11 * day)},
				{Email: "e@example.com", Fingerprint: "fp-3", CreatedAt: now.Add(-12 * day)},
				{Email: "f@example.com", Fingerprint: "fp-3", CreatedAt: now.Add(-13 * day)},
			},
			input:    Input{Email: "g@example.com", Fingerprint: "fp-3", IP: "10.0.0.3", Geo: "US"},
			expected: DecisionOK,
		},
		{
			name: "known fraud decline in the last month forces 3DS",
			seed: []*Record{
				{Email: "h@example.com", Fingerprint: "fp-4", ErrorCode: "30043", CreatedAt: now.Add(-10 * day)},
			},
			input:    Input{Email: "h@example.com", Fingerprint: "fp-5", IP: "10.0.0.4", Geo: "US"},
			expected: DecisionForce3DS,
		},
		{
			name: "repeated 3DS failures in a day force 3DS",
			seed: []*Record{
				{Email: "i@example.com", Fingerprint: "fp-6", ErrorCode: "20151", CreatedAt: now.Add(-time.Hour)},
				{Email: "i@example.com", Fingerprint: "fp-6", ErrorCode: "20151", CreatedAt: now.Add(-2 * time.Hour)},
				{Email: "i@example.com", Fingerprint: "fp-6", ErrorCode: "20151", CreatedAt: now.Add(-3 * time.Hour)},
			},
			input:    Input{Email: "i@example.com", Fingerprint: "fp-6", IP: "10.0.0.5", Geo: "US"},
			expected: DecisionForce3DS,
		},
		{
			name:     "clean attempt passes",
			seed:     nil,
			input:    Input{Email: "clean@example.com", Fingerprint: "fp-7", IP: "10.0.0.6", Geo: "US"},
			expected: DecisionOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := &memoryHistory{records: tt.seed}
			gate := newTestGate(t, history, DefaultConfig())

			verdict, err := gate.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluate() error: %v", err)
			}
			if verdict.Decision != tt.expected {
				t.Fatalf("Evaluate() decision = %s (rule %q), expected %s", verdict.Decision, verdict.Rule, tt.expected)
			}
			if verdict.RecordID == "" {
				t.Fatal("Evaluate() did not record the attempt")
			}
		})
	}
}

func TestGateStaticLists(t *testing.T) {
	config := DefaultConfig()
	config.RejectGeos = []string{"XX"}
	config.RejectBINs = []string{"999999"}
	config.Force3DSGeos = []GeoBin{{Geo: "BR", BIN: "411111"}}
	config.Force3DSBINs = []string{"555555"}

	tests := []struct {
		name     string
		input    Input
		expected Decision
	}{
		{
			name:     "geo on the reject list is rejected",
			input:    Input{Email: "a@example.com", Geo: "XX", Fingerprint: "fp-1"},
			expected: DecisionReject,
		},
		{
			name:     "bin on the reject list is rejected",
			input:    Input{Email: "b@example.com", Geo: "US", BIN: "999999", Fingerprint: "fp-2"},
			expected: DecisionReject,
		},
		{
			name:     "geo and bin pair on the force list forces 3DS",
			input:    Input{Email: "c@example.com", Geo: "BR", BIN: "411111", Fingerprint: "fp-3"},
			expected: DecisionForce3DS,
		},
		{
			name:     "force geo with a different bin passes",
			input:    Input{Email: "d@example.com", Geo: "BR", BIN: "422222", Fingerprint: "fp-4"},
			expected: DecisionOK,
		},
		{
			name:     "bin on the force list forces 3DS",
			input:    Input{Email: "e@example.com", Geo: "US", BIN: "555555", Fingerprint: "fp-5"},
			expected: DecisionForce3DS,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := &memoryHistory{}
			gate := newTestGate(t, history, config)

			verdict, err := gate.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluate() error: %v", err)
			}
			if verdict.Decision != tt.expected {
				t.Fatalf("Evaluate() decision = %s (rule %q), expected %s", verdict.Decision, verdict.Rule, tt.expected)
			}
		})
	}
}

func TestGateDefaultForce3DSLists(t *testing.T) {
	tests := []struct {
		name     string
		input    Input
		expected Decision
		rule     string
	}{
		{
			name:     "high-risk geo forces 3DS out of the box",
			input:    Input{Email: "a@example.com", Geo: "NG", BIN: "400000", Fingerprint: "fp-1"},
			expected: DecisionForce3DS,
			rule:     "geo_force_3ds",
		},
		{
			name:     "high-risk bin forces 3DS out of the box",
			input:    Input{Email: "b@example.com", Geo: "US", BIN: "521729", Fingerprint: "fp-2"},
			expected: DecisionForce3DS,
			rule:     "bin_force_3ds",
		},
		{
			name:     "ordinary geo and bin pass",
			input:    Input{Email: "c@example.com", Geo: "DE", BIN: "424242", Fingerprint: "fp-3"},
			expected: DecisionOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := &memoryHistory{}
			gate := newTestGate(t, history, DefaultConfig())

			verdict, err := gate.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluate() error: %v", err)
			}
			if verdict.Decision != tt.expected {
				t.Fatalf("Evaluate() decision = %s (rule %q), expected %s", verdict.Decision, verdict.Rule, tt.expected)
			}
			if tt.rule != "" && verdict.Rule != tt.rule {
				t.Fatalf("Evaluate() rule = %q, expected %q", verdict.Rule, tt.rule)
			}
		})
	}
}

func TestGateRecordsSignals(t *testing.T) {
	history := &memoryHistory{}
	gate := newTestGate(t, history, DefaultConfig())

	input := Input{
		Email:       "a@example.com",
		IP:          "10.0.0.1",
		Geo:         "US",
		Fingerprint: "fp-1",
		BIN:         "424242",
		PlanID:      "plan-1",
		TrialTier:   "standard",
	}
	if _, err := gate.Evaluate(context.Background(), input); err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	record := history.records[0]
	if record.BIN != "424242" {
		t.Fatalf("record bin = %q, expected 424242", record.BIN)
	}
	if record.Email != input.Email || record.Fingerprint != input.Fingerprint || record.Geo != input.Geo {
		t.Fatalf("record missing signals: %+v", record)
	}
}

func TestGateOutcomeBackfill(t *testing.T) {
	history := &memoryHistory{}
	gate := newTestGate(t, history, DefaultConfig())

	verdict, err := gate.Evaluate(context.Background(), Input{Email: "a@example.com", Fingerprint: "fp-1", Geo: "US"})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if err := gate.SetOutcome(context.Background(), verdict.RecordID, "30007"); err != nil {
		t.Fatalf("SetOutcome() error: %v", err)
	}
	if history.records[0].ErrorCode != "30007" {
		t.Fatalf("record error code = %q, expected 30007", history.records[0].ErrorCode)
	}
}

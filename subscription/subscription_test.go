package subscription

import (
	"testing"
	"time"
)

func TestGuardedTransitions(t *testing.T) {
	expires := time.Now().Add(7 * 24 * time.Hour)

	tests := []struct {
		name       string
		from       Status
		apply      func(s *Subscription) bool
		want       bool
		wantStatus Status
	}{
		{
			name:       "first charge activates trial",
			from:       StatusInactive,
			apply:      func(s *Subscription) bool { return s.MarkTrialing(expires) },
			want:       true,
			wantStatus: StatusTrialing,
		},
		{
			name:       "first charge does not re-trigger on an active subscription",
			from:       StatusActive,
			apply:      func(s *Subscription) bool { return s.MarkTrialing(expires) },
			want:       false,
			wantStatus: StatusActive,
		},
		{
			name:       "renewal converts trial",
			from:       StatusTrialing,
			apply:      func(s *Subscription) bool { return s.MarkRenewed(expires) },
			want:       true,
			wantStatus: StatusActive,
		},
		{
			name:       "renewal recovers an overdue subscription",
			from:       StatusOverdue,
			apply:      func(s *Subscription) bool { return s.MarkRenewed(expires) },
			want:       true,
			wantStatus: StatusActive,
		},
		{
			name:       "stale renewal cannot resurrect a canceled subscription",
			from:       StatusCanceled,
			apply:      func(s *Subscription) bool { return s.MarkRenewed(expires) },
			want:       false,
			wantStatus: StatusCanceled,
		},
		{
			name:       "soft decline moves active to overdue",
			from:       StatusActive,
			apply:      func(s *Subscription) bool { return s.MarkOverdue() },
			want:       true,
			wantStatus: StatusOverdue,
		},
		{
			name:       "repeated soft decline does not re-enter overdue",
			from:       StatusOverdue,
			apply:      func(s *Subscription) bool { return s.MarkOverdue() },
			want:       false,
			wantStatus: StatusOverdue,
		},
		{
			name:       "cancel is idempotent",
			from:       StatusCanceled,
			apply:      func(s *Subscription) bool { return s.MarkCanceled() },
			want:       false,
			wantStatus: StatusCanceled,
		},
		{
			name:       "cancel from overdue",
			from:       StatusOverdue,
			apply:      func(s *Subscription) bool { return s.MarkCanceled() },
			want:       true,
			wantStatus: StatusCanceled,
		},
		{
			name:       "pause from active",
			from:       StatusActive,
			apply:      func(s *Subscription) bool { return s.MarkPaused() },
			want:       true,
			wantStatus: StatusPaused,
		},
		{
			name:       "canceled subscription cannot pause",
			from:       StatusCanceled,
			apply:      func(s *Subscription) bool { return s.MarkPaused() },
			want:       false,
			wantStatus: StatusCanceled,
		},
		{
			name:       "resume only applies to paused",
			from:       StatusPaused,
			apply:      func(s *Subscription) bool { return s.MarkResumed() },
			want:       true,
			wantStatus: StatusActive,
		},
		{
			name:       "resume is a no-op on active",
			from:       StatusActive,
			apply:      func(s *Subscription) bool { return s.MarkResumed() },
			want:       false,
			wantStatus: StatusActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Subscription{Status: tt.from}
			if got := tt.apply(s); got != tt.want {
				t.Errorf("transition returned %v, want %v", got, tt.want)
			}
			if s.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", s.Status, tt.wantStatus)
			}
		})
	}
}

func TestMarkRenewedCounters(t *testing.T) {
	s := &Subscription{Status: StatusTrialing, PaidCounter: 1, NotificationSent: true}
	expires := time.Now().Add(30 * 24 * time.Hour)

	if !s.MarkRenewed(expires) {
		t.Fatal("expected renewal to apply")
	}
	if s.PaidCounter != 2 {
		t.Errorf("paid counter = %d, want 2", s.PaidCounter)
	}
	if !s.Expires.Equal(expires) {
		t.Errorf("expires = %s, want %s", s.Expires, expires)
	}
	if s.NotificationSent {
		t.Error("notification flag should reset on renewal")
	}
}

package billing

import (
	"testing"
	"time"
)

func TestRetryScheduleNext(t *testing.T) {
	now := time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC) // a Monday
	schedule := DefaultRetrySchedule()

	tests := []struct {
		name       string
		retry      int
		amount     float64
		wantDate   time.Time
		wantAmount float64
	}{
		{
			name:       "first retry in one day at full price",
			retry:      0,
			amount:     40,
			wantDate:   now.Add(24 * time.Hour),
			wantAmount: 40,
		},
		{
			name:       "second retry on the next friday at full price",
			retry:      1,
			amount:     40,
			wantDate:   time.Date(2024, time.March, 8, 12, 0, 0, 0, time.UTC),
			wantAmount: 40,
		},
		{
			name:       "third retry in nine days at three quarters",
			retry:      2,
			amount:     40,
			wantDate:   now.Add(9 * 24 * time.Hour),
			wantAmount: 30,
		},
		{
			name:       "fourth retry in nineteen days at two thirds",
			retry:      3,
			amount:     60,
			wantDate:   now.Add(19 * 24 * time.Hour),
			wantAmount: 40,
		},
		{
			name:       "fifth retry in one day at half price",
			retry:      4,
			amount:     40,
			wantDate:   now.Add(24 * time.Hour),
			wantAmount: 20,
		},
		{
			name:       "unknown retry falls back to one day full price",
			retry:      17,
			amount:     40,
			wantDate:   now.Add(24 * time.Hour),
			wantAmount: 40,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotDate, gotAmount := schedule.Next(now, tt.retry, tt.amount)
			if !gotDate.Equal(tt.wantDate) {
				t.Errorf("next date = %s, want %s", gotDate, tt.wantDate)
			}
			if diff := gotAmount - tt.wantAmount; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("next amount = %f, want %f", gotAmount, tt.wantAmount)
			}
		})
	}
}

func TestNextFriday(t *testing.T) {
	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{
			name: "monday advances to the same week",
			from: time.Date(2024, time.March, 4, 9, 30, 0, 0, time.UTC),
			want: time.Date(2024, time.March, 8, 9, 30, 0, 0, time.UTC),
		},
		{
			name: "thursday advances one day",
			from: time.Date(2024, time.March, 7, 9, 30, 0, 0, time.UTC),
			want: time.Date(2024, time.March, 8, 9, 30, 0, 0, time.UTC),
		},
		{
			name: "friday advances a full week",
			from: time.Date(2024, time.March, 8, 9, 30, 0, 0, time.UTC),
			want: time.Date(2024, time.March, 15, 9, 30, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextFriday(tt.from); !got.Equal(tt.want) {
				t.Errorf("NextFriday(%s) = %s, want %s", tt.from, got, tt.want)
			}
		})
	}
}

package billing

import (
	"testing"
	"time"
)

func TestCycleOffset(t *testing.T) {
	from := time.Date(2024, time.January, 15, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		frequency int
		interval  Interval
		want      time.Time
		wantErr   bool
	}{
		{name: "one day", frequency: 1, interval: IntervalDay, want: from.AddDate(0, 0, 1)},
		{name: "two weeks", frequency: 2, interval: IntervalWeek, want: from.AddDate(0, 0, 14)},
		{name: "one month", frequency: 1, interval: IntervalMonth, want: time.Date(2024, time.February, 15, 8, 0, 0, 0, time.UTC)},
		{name: "one year", frequency: 1, interval: IntervalYear, want: time.Date(2025, time.January, 15, 8, 0, 0, 0, time.UTC)},
		{name: "unknown interval", frequency: 1, interval: "fortnight", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CycleOffset(from, tt.frequency, tt.interval)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("CycleOffset = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMinorUnits(t *testing.T) {
	got, err := MinorUnits(9.99, USD)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 999 {
		t.Errorf("MinorUnits(9.99) = %d, want 999", got)
	}

	// 40 * 2/3 carries float noise; conversion must still round cleanly
	got, err = MinorUnits(40*2.0/3.0, USD)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2667 {
		t.Errorf("MinorUnits(26.666...) = %d, want 2667", got)
	}

	if _, err := MinorUnits(1, "BTC"); err == nil {
		t.Error("expected an error for unsupported currency")
	}
}

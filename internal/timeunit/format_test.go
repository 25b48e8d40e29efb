package timeunit

import (
	"testing"
	"time"
)

func TestFormatInstant(t *testing.T) {
	t.Parallel()
	ts := time.Date(1970, time.January, 1, 12, 42, 5, 0, time.UTC)
	tests := []struct {
		unit Unit
		want string
	}{
		{Year, "1970"},
		{Month, "January 1970"},
		{Week, "Week 00, 1970"},
		{Day, "1 January 1970"},
		{Hour, "1 January 1970, 12:00"},
		{Minute, "1 January 1970, 12:42"},
		{Second, "1 January 1970, 12:42:05"},
	}
	for _, tt := range tests {
		if got := FormatInstant(ts, tt.unit); got != tt.want {
			t.Fatalf("FormatInstant(%s) = %q, want %q", tt.unit, got, tt.want)
		}
	}

	// 5 January 1970 is the first Monday of the year.
	monday := time.Date(1970, time.January, 5, 0, 0, 0, 0, time.UTC)
	if got := FormatInstant(monday, Week); got != "Week 01, 1970" {
		t.Fatalf("FormatInstant(first monday) = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d        time.Duration
		maxParts int
		want     string
	}{
		{0, 1, "now"},
		{-5 * time.Second, 3, "now"},
		{500 * time.Millisecond, 3, "now"},
		{time.Second, 1, "1 second"},
		{2 * time.Second, 1, "2 seconds"},
		{time.Second, 2, "1 second"},
		{90 * time.Second, 2, "1 minute and 30 seconds"},
		{90 * time.Second, 122341222, "1 minute and 30 seconds"},
		{90 * time.Second, 1, "2 minutes"},
		{3601 * time.Second, 2, "1 hour and 1 second"},
		{3601 * time.Second, 1, "1 hour"},
		{26*time.Hour + 3*time.Minute, 3, "1 day, 2 hours and 3 minutes"},
		{15*24*time.Hour + 12*time.Hour + 17*time.Minute, 4, "2 weeks, 1 day, 12 hours and 17 minutes"},
		{8*24*time.Hour + 1234*time.Second, 1, "1 week"},
		{11*24*time.Hour + 1234*time.Second, 1, "2 weeks"},
		{59*time.Minute + 45*time.Second, 1, "1 hour"},
		{time.Hour + 59*time.Minute + 30*time.Second, 2, "2 hours"},
		{time.Hour, 0, "1 hour"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d, tt.maxParts); got != tt.want {
			t.Fatalf("FormatDuration(%v, %d) = %q, want %q", tt.d, tt.maxParts, got, tt.want)
		}
	}
}

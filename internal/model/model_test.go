package model

import (
	"testing"
	"time"

	"tickbot/internal/timeunit"
)

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCompleted, StatusPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Fatalf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTimelineLabels(t *testing.T) {
	t.Parallel()
	tl := Timeline{
		Name:          "Sagrea",
		SimulatedTime: time.Date(1970, time.January, 31, 0, 0, 0, 0, time.UTC),
		TickSimulated: Interval{Amount: 1, Unit: timeunit.Month},
		TickReal:      24 * time.Hour,
	}
	if got := tl.CurrentLabel(); got != "January 1970" {
		t.Fatalf("CurrentLabel = %q", got)
	}
	if got := tl.NextLabel(); got != "February 1970" {
		t.Fatalf("NextLabel = %q", got)
	}
	now := time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
	if got := tl.UntilNext(now, now.Add(90*time.Minute)); got != "1 hour and 30 minutes" {
		t.Fatalf("UntilNext = %q", got)
	}
	if got := tl.TickSimulated.String(); got != "1 month" {
		t.Fatalf("Interval.String = %q", got)
	}
}

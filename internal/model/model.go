// Package model holds the timeline and tick-event types shared by the store,
// the registry and the scheduler.
package model

import (
	"fmt"
	"time"

	"tickbot/internal/timeunit"
)

// Interval is an amount of simulated time, e.g. 3 days.
type Interval struct {
	Amount int64         `json:"amount"`
	Unit   timeunit.Unit `json:"unit"`
}

func (iv Interval) String() string { return iv.Unit.Plural(iv.Amount) }

// Valid reports whether the interval moves time forward.
func (iv Interval) Valid() bool { return iv.Amount > 0 && iv.Unit.Valid() }

// Target is the chat a timeline announces its ticks to.
type Target struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// Timeline is one role-play's simulated calendar and its tick configuration.
type Timeline struct {
	ID       int64
	OwnerID  int64 // chat that created the timeline
	Name     string
	Universe string

	SimulatedTime time.Time
	TickSimulated Interval
	TickReal      time.Duration

	// Target is nil when announcements are disabled.
	Target *Target

	CreatedAt time.Time
}

func (tl Timeline) String() string {
	return fmt.Sprintf("timeline %d (%s)", tl.ID, tl.Name)
}

// Advanced returns the simulated time after ticks more ticks.
func (tl Timeline) Advanced(ticks int64) (time.Time, error) {
	return timeunit.AddUnits(tl.SimulatedTime, tl.TickSimulated.Unit, ticks*tl.TickSimulated.Amount)
}

// CurrentLabel renders the simulated time at the precision of the tick unit.
func (tl Timeline) CurrentLabel() string {
	return timeunit.FormatInstant(tl.SimulatedTime, tl.TickSimulated.Unit)
}

// NextLabel renders the simulated time the next tick will move to.
func (tl Timeline) NextLabel() string {
	next, err := tl.Advanced(1)
	if err != nil {
		return tl.CurrentLabel()
	}
	return timeunit.FormatInstant(next, tl.TickSimulated.Unit)
}

// UntilNext renders the real-world wait until due, e.g. "3 hours and 2 minutes".
func (tl Timeline) UntilNext(now, due time.Time) string {
	return timeunit.FormatDuration(due.Sub(now), timeunit.DefaultMaxParts)
}

// Status is the lifecycle state of a TickEvent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// CanTransition allows only pending -> completed and pending -> failed.
func (s Status) CanTransition(to Status) bool {
	return s == StatusPending && to.Terminal()
}

// TickEvent is the persisted record of one scheduled tick. ID is assigned by
// the store on insert.
type TickEvent struct {
	ID         int64
	TimelineID int64
	DueAt      time.Time
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (e TickEvent) String() string {
	return fmt.Sprintf("tick %d (timeline %d, due %s, %s)", e.ID, e.TimelineID, e.DueAt.Format(time.RFC3339), e.Status)
}

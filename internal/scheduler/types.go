package scheduler

import (
	"context"
	"errors"
	"time"

	"tickbot/internal/model"
	rtsup "tickbot/internal/runtime/supervisor"
	"tickbot/internal/timeline"
)

var (
	ErrNotRunning     = errors.New("scheduler not running")
	ErrAlreadyPending = errors.New("timeline already has a pending tick")
)

// Bus event types.
const (
	EventTickScheduled   = "tick.scheduled"
	EventTickCompleted   = "tick.completed"
	EventTickFailed      = "tick.failed"
	EventTimelineStalled = "timeline.stalled"
)

const (
	DefaultPollInterval  = time.Second
	DefaultNotifyTimeout = 10 * time.Second
	DefaultStallCheck    = "@every 10m"
)

type Config struct {
	// PollInterval bounds every sleep of the loop. Values above one second
	// are capped.
	PollInterval  time.Duration
	NotifyTimeout time.Duration
	// StallCheck is a cron spec for the stall sweep; "-" disables it.
	StallCheck string
	// Now is the clock used for due-time decisions. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 || c.PollInterval > DefaultPollInterval {
		c.PollInterval = DefaultPollInterval
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
	if c.StallCheck == "" {
		c.StallCheck = DefaultStallCheck
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Timelines is the registry surface the scheduler needs.
type Timelines interface {
	TimelineByID(ctx context.Context, id int64) (model.Timeline, error)
	TimelinesForOwner(ctx context.Context, ownerID int64) ([]model.Timeline, error)
	All(ctx context.Context) ([]model.Timeline, error)
	Create(ctx context.Context, cfg timeline.CreateConfig) (model.Timeline, error)
	Advance(ctx context.Context, tl model.Timeline, ticks int64) (model.Timeline, error)
}

// TickInfo is the Data of tick.* bus events.
type TickInfo struct {
	EventID    int64     `json:"event_id"`
	TimelineID int64     `json:"timeline_id"`
	DueAt      time.Time `json:"due_at"`
	Ticks      int64     `json:"ticks,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// PendingEntry is one heap entry as reported by Snapshot.
type PendingEntry struct {
	EventID    int64     `json:"event_id"`
	TimelineID int64     `json:"timeline_id"`
	DueAt      time.Time `json:"due_at"`
}

type Snapshot struct {
	Running    bool           `json:"running"`
	Inflight   *PendingEntry  `json:"inflight,omitempty"`
	Pending    []PendingEntry `json:"pending"`
	Executed   uint64         `json:"executed"`
	Failed     uint64         `json:"failed"`
	// Unsettled counts ticks that ran but whose completion is not yet stored.
	Unsettled  int            `json:"unsettled,omitempty"`
	Goroutines rtsup.Counters `json:"goroutines"`
}

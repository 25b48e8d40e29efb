package notifier

import "time"

// Config controls tick announcement delivery.
type Config struct {
	Enabled    bool
	RatePerSec int
	// Timeout bounds one Send call including rate-limit waits and retries.
	Timeout       time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Text     string    `json:"text"`
	Error    string    `json:"error,omitempty"`
}

// NotificationEvent is emitted on the event bus for delivery outcomes.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

const (
	EventSent   = "notify.sent"
	EventFailed = "notify.failed"
)

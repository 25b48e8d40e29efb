package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrStorage wraps every backend failure.
	ErrStorage = errors.New("storage error")
	// ErrInvalidTransition is returned when a status update would leave a
	// terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": process-local maps, lost on exit (tests, dry runs)
//
// "none" disables storage; the scheduler cannot run without a store.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	ThreadID      int
	Command       string
	Target        string
	OK            bool
	Error         string
	TookMS        int64
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tickbot/internal/model"
	logx "tickbot/pkg/logx"
)

// Store is the persistence API used by the registry, the scheduler and the
// command front-end.
type Store interface {
	// InsertEvent persists ev and returns it with its assigned ID.
	InsertEvent(ctx context.Context, ev model.TickEvent) (model.TickEvent, error)
	// UpdateEventStatus moves a pending event to a terminal status.
	UpdateEventStatus(ctx context.Context, id int64, status model.Status) error
	// PendingEvents returns every pending event ordered by due time.
	PendingEvents(ctx context.Context) ([]model.TickEvent, error)
	// EventsForTimeline returns the newest events first; limit <= 0 means all.
	EventsForTimeline(ctx context.Context, timelineID int64, limit int) ([]model.TickEvent, error)
	// CountEvents counts events of a timeline; an empty status counts all.
	CountEvents(ctx context.Context, timelineID int64, status model.Status) (int64, error)

	Timeline(ctx context.Context, id int64) (model.Timeline, error)
	CreateTimeline(ctx context.Context, tl model.Timeline) (model.Timeline, error)
	SaveTimeline(ctx context.Context, tl model.Timeline) error
	Timelines(ctx context.Context) ([]model.Timeline, error)
	TimelinesForOwner(ctx context.Context, ownerID int64) ([]model.Timeline, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory", "mem":
		return openMemory(log), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

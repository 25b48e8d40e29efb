// Package timeline is the registry of role-play clocks. Advance is the only
// path that writes a timeline's simulated time.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"tickbot/internal/model"
	"tickbot/internal/storage"
	"tickbot/internal/timeunit"
	logx "tickbot/pkg/logx"
)

var (
	ErrTimelineNotFound = errors.New("timeline not found")
	ErrInvalidConfig    = errors.New("invalid timeline config")
)

const (
	MinTickReal   = time.Second
	MaxNameLength = 64
)

// CreateConfig describes a new timeline.
type CreateConfig struct {
	OwnerID       int64
	Name          string
	Universe      string
	Start         time.Time
	TickSimulated model.Interval
	TickReal      time.Duration
	Target        *model.Target
}

func (c CreateConfig) validate() error {
	name := strings.TrimSpace(c.Name)
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	case utf8.RuneCountInString(name) > MaxNameLength:
		return fmt.Errorf("%w: name longer than %d characters", ErrInvalidConfig, MaxNameLength)
	case !c.TickSimulated.Valid():
		return fmt.Errorf("%w: simulated tick must be a positive amount of a known unit", ErrInvalidConfig)
	case c.TickReal < MinTickReal:
		return fmt.Errorf("%w: real tick interval must be at least %s", ErrInvalidConfig, MinTickReal)
	case c.TickReal%time.Second != 0:
		return fmt.Errorf("%w: real tick interval must be whole seconds", ErrInvalidConfig)
	}
	return nil
}

// Registry reads timelines from the store and serializes simulated-time writes.
type Registry struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu sync.Mutex // guards Advance
}

func New(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log.With(logx.String("comp", "timeline")), now: time.Now}
}

func (r *Registry) TimelineByID(ctx context.Context, id int64) (model.Timeline, error) {
	tl, err := r.store.Timeline(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Timeline{}, fmt.Errorf("%w: %d", ErrTimelineNotFound, id)
	}
	return tl, err
}

func (r *Registry) TimelinesForOwner(ctx context.Context, ownerID int64) ([]model.Timeline, error) {
	return r.store.TimelinesForOwner(ctx, ownerID)
}

func (r *Registry) All(ctx context.Context) ([]model.Timeline, error) {
	return r.store.Timelines(ctx)
}

// Create validates cfg and persists a new timeline. Simulated time is kept in UTC.
func (r *Registry) Create(ctx context.Context, cfg CreateConfig) (model.Timeline, error) {
	if err := cfg.validate(); err != nil {
		return model.Timeline{}, err
	}
	tl := model.Timeline{
		OwnerID:       cfg.OwnerID,
		Name:          strings.TrimSpace(cfg.Name),
		Universe:      strings.TrimSpace(cfg.Universe),
		SimulatedTime: cfg.Start.UTC(),
		TickSimulated: cfg.TickSimulated,
		TickReal:      cfg.TickReal,
		CreatedAt:     r.now().UTC(),
	}
	if cfg.Target != nil {
		t := *cfg.Target
		tl.Target = &t
	}
	created, err := r.store.CreateTimeline(ctx, tl)
	if err != nil {
		return model.Timeline{}, err
	}
	r.log.Info("timeline created",
		logx.Int64("timeline_id", created.ID),
		logx.String("name", created.Name),
		logx.Int64("owner_id", created.OwnerID),
		logx.String("tick", created.TickSimulated.String()),
		logx.Duration("every", created.TickReal),
	)
	return created, nil
}

// Advance moves tl forward by ticks simulated intervals and persists it.
// It returns the updated timeline.
func (r *Registry) Advance(ctx context.Context, tl model.Timeline, ticks int64) (model.Timeline, error) {
	if ticks < 1 {
		return tl, fmt.Errorf("advance %d ticks: %w", ticks, timeunit.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := tl.Advanced(ticks)
	if err != nil {
		return tl, fmt.Errorf("advance %s: %w", tl, err)
	}
	if next.Before(tl.SimulatedTime) {
		return tl, fmt.Errorf("advance %s: simulated time would move backwards: %w", tl, timeunit.ErrInvalidArgument)
	}
	prev := tl.SimulatedTime
	tl.SimulatedTime = next
	if err := r.store.SaveTimeline(ctx, tl); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return tl, fmt.Errorf("%w: %d", ErrTimelineNotFound, tl.ID)
		}
		return tl, err
	}
	r.log.Debug("timeline advanced",
		logx.Int64("timeline_id", tl.ID),
		logx.Int64("ticks", ticks),
		logx.Time("from", prev),
		logx.Time("to", next),
	)
	return tl, nil
}

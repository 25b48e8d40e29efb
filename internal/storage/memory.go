package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tickbot/internal/model"
	logx "tickbot/pkg/logx"
)

// memoryStore keeps everything in process memory. It follows the same
// contract as the sqlite backend, including the resolution applied to
// simulated time, so tests can run against either.
type memoryStore struct {
	log logx.Logger

	mu sync.Mutex

	timelines map[int64]model.Timeline
	events    map[int64]model.TickEvent
	audit     []AuditEntry

	nextTimeline int64
	nextEvent    int64
	closed       bool
}

func openMemory(log logx.Logger) *memoryStore {
	return &memoryStore{
		log:       log.With(logx.String("driver", "memory")),
		timelines: map[int64]model.Timeline{},
		events:    map[int64]model.TickEvent{},
	}
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) checkOpen() error {
	if m.closed {
		return ErrDisabled
	}
	return nil
}

func (m *memoryStore) InsertEvent(ctx context.Context, ev model.TickEvent) (model.TickEvent, error) {
	if err := ctx.Err(); err != nil {
		return ev, wrapErr("insert event", err)
	}
	if ev.Status == "" {
		ev.Status = model.StatusPending
	}
	if !ev.Status.Valid() {
		return ev, fmt.Errorf("insert event: unknown status %q", ev.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return ev, err
	}
	if _, ok := m.timelines[ev.TimelineID]; !ok {
		return ev, fmt.Errorf("timeline %d: %w", ev.TimelineID, ErrNotFound)
	}
	m.nextEvent++
	now := time.Now().UTC()
	ev.ID = m.nextEvent
	ev.DueAt = ev.DueAt.UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now
	m.events[ev.ID] = ev
	return ev, nil
}

func (m *memoryStore) UpdateEventStatus(ctx context.Context, id int64, status model.Status) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("update event status", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	ev, ok := m.events[id]
	if !ok {
		return fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if !ev.Status.CanTransition(status) {
		return fmt.Errorf("event %d %s -> %s: %w", id, ev.Status, status, ErrInvalidTransition)
	}
	ev.Status = status
	ev.UpdatedAt = time.Now().UTC()
	m.events[id] = ev
	return nil
}

func (m *memoryStore) PendingEvents(ctx context.Context) ([]model.TickEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var out []model.TickEvent
	for _, ev := range m.events {
		if ev.Status == model.StatusPending {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryStore) EventsForTimeline(ctx context.Context, timelineID int64, limit int) ([]model.TickEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var out []model.TickEvent
	for _, ev := range m.events {
		if ev.TimelineID == timelineID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) CountEvents(ctx context.Context, timelineID int64, status model.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	for _, ev := range m.events {
		if ev.TimelineID == timelineID && (status == "" || ev.Status == status) {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Timeline(ctx context.Context, id int64) (model.Timeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return model.Timeline{}, err
	}
	tl, ok := m.timelines[id]
	if !ok {
		return model.Timeline{}, fmt.Errorf("timeline %d: %w", id, ErrNotFound)
	}
	return normalizeTimeline(tl), nil
}

func (m *memoryStore) CreateTimeline(ctx context.Context, tl model.Timeline) (model.Timeline, error) {
	if err := ctx.Err(); err != nil {
		return tl, wrapErr("create timeline", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return tl, err
	}
	if tl.CreatedAt.IsZero() {
		tl.CreatedAt = time.Now()
	}
	m.nextTimeline++
	tl.ID = m.nextTimeline
	tl = normalizeTimeline(tl)
	m.timelines[tl.ID] = tl
	return normalizeTimeline(tl), nil
}

func (m *memoryStore) SaveTimeline(ctx context.Context, tl model.Timeline) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("save timeline", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	prev, ok := m.timelines[tl.ID]
	if !ok {
		return fmt.Errorf("timeline %d: %w", tl.ID, ErrNotFound)
	}
	tl.CreatedAt = prev.CreatedAt
	m.timelines[tl.ID] = normalizeTimeline(tl)
	return nil
}

func (m *memoryStore) Timelines(ctx context.Context) ([]model.Timeline, error) {
	return m.filterTimelines(func(model.Timeline) bool { return true })
}

func (m *memoryStore) TimelinesForOwner(ctx context.Context, ownerID int64) ([]model.Timeline, error) {
	return m.filterTimelines(func(tl model.Timeline) bool { return tl.OwnerID == ownerID })
}

func (m *memoryStore) filterTimelines(keep func(model.Timeline) bool) ([]model.Timeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var out []model.Timeline
	for _, tl := range m.timelines {
		if keep(tl) {
			out = append(out, normalizeTimeline(tl))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tickbot/internal/eventbus"
	"tickbot/internal/model"
	"tickbot/internal/notifier"
	rtsup "tickbot/internal/runtime/supervisor"
	"tickbot/internal/storage"
	"tickbot/internal/timeline"
	logx "tickbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Service owns the in-memory heap of pending tick events and the single loop
// that executes them.
//
// Every event is persisted before it enters the heap, and every status change
// is persisted as it happens; on Start the heap is rebuilt from the store.
type Service struct {
	mu sync.Mutex

	cfg       Config
	log       logx.Logger
	store     storage.Store
	timelines Timelines
	notify    notifier.Sender
	bus       eventbus.Bus
	parser    cron.Parser

	q        queue
	running  bool
	inflight *model.TickEvent
	// unsettled maps event ID to timeline ID for ticks that executed but
	// whose completion write failed. Their rows are still pending.
	unsettled map[int64]int64
	wake      chan struct{}
	sup      *rtsup.Supervisor
	c        *cron.Cron

	executed atomic.Uint64
	failed   atomic.Uint64
}

func New(cfg Config, store storage.Store, timelines Timelines, notify notifier.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log.With(logx.String("comp", "scheduler")),
		store:     store,
		timelines: timelines,
		notify:    notify,
		bus:       bus,
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		q:         newQueue(),
		unsettled: map[int64]int64{},
		wake:      make(chan struct{}, 1),
	}
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start recovers every pending event into the heap without executing any of
// them, seeds a first tick for timelines that never had one, and launches the
// loop. Overdue events are caught up by the loop itself.
func (s *Service) Start(ctx context.Context) error {
	start := time.Now()
	s.settle(ctx)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	pending, err := s.store.PendingEvents(ctx)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("recover pending ticks: %w", err)
	}
	s.q.reset()
	for _, ev := range pending {
		// Already executed; replaying it would advance the timeline twice.
		if _, ok := s.unsettled[ev.ID]; ok {
			continue
		}
		s.q.push(ev)
	}
	s.running = true
	s.inflight = nil
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// a broken loop must not take the whole app down; it is restarted.
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	seeded := s.seed(ctx)

	sup.GoRestart("scheduler.loop", func(c context.Context) error {
		s.loop(c)
		if c.Err() != nil || !s.Running() {
			return nil
		}
		return errors.New("scheduler loop exited unexpectedly")
	}, 250*time.Millisecond, 5*time.Second)

	if err := s.startSweep(); err != nil {
		s.log.Warn("stall sweep disabled", logx.String("spec", s.cfg.StallCheck), logx.Err(err))
	}

	s.log.Info("service started",
		logx.Int("recovered", len(pending)),
		logx.Int("seeded", seeded),
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// seed schedules a first tick for timelines that have no event at all.
func (s *Service) seed(ctx context.Context) int {
	all, err := s.timelines.All(ctx)
	if err != nil {
		s.log.Warn("seed: list timelines failed", logx.Err(err))
		return 0
	}
	n := 0
	for _, tl := range all {
		count, err := s.store.CountEvents(ctx, tl.ID, "")
		if err != nil {
			s.log.Warn("seed: count events failed", logx.Int64("timeline_id", tl.ID), logx.Err(err))
			continue
		}
		if count > 0 {
			continue
		}
		if _, err := s.Schedule(ctx, model.TickEvent{TimelineID: tl.ID, DueAt: s.cfg.Now().Add(tl.TickReal)}); err != nil {
			s.log.Warn("seed: schedule first tick failed", logx.Int64("timeline_id", tl.ID), logx.Err(err))
			continue
		}
		n++
	}
	return n
}

func (s *Service) startSweep() error {
	spec := strings.TrimSpace(s.cfg.StallCheck)
	if spec == "-" || spec == "off" {
		return nil
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, s.sweepStalls); err != nil {
		return err
	}
	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
	c.Start()
	return nil
}

// Stop ends the loop. A tick that already began executing is allowed to
// finish. The heap is left intact; the next Start rebuilds it from the store.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup := s.sup
	c := s.c
	s.sup, s.c = nil, nil
	s.mu.Unlock()

	s.kick()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// Schedule persists ev as pending and pushes it into the heap. It is safe to
// call concurrently with the loop, including from tick execution.
func (s *Service) Schedule(ctx context.Context, ev model.TickEvent) (model.TickEvent, error) {
	ev.ID = 0
	ev.Status = model.StatusPending
	stored, err := s.store.InsertEvent(ctx, ev)
	if err != nil {
		return ev, fmt.Errorf("schedule tick for timeline %d: %w", ev.TimelineID, err)
	}

	s.mu.Lock()
	s.q.push(stored)
	s.mu.Unlock()
	s.kick()

	s.publish(EventTickScheduled, TickInfo{EventID: stored.ID, TimelineID: stored.TimelineID, DueAt: stored.DueAt})
	s.log.Debug("tick scheduled",
		logx.Int64("tick_id", stored.ID),
		logx.Int64("timeline_id", stored.TimelineID),
		logx.Time("due_at", stored.DueAt),
	)
	return stored, nil
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()
	// Cancellation stops the loop between ticks, never inside one.
	execCtx := context.WithoutCancel(ctx)

	for {
		ev, wait, ok := s.next()
		if !ok {
			return
		}
		if ev != nil {
			s.execute(execCtx, *ev)
			s.mu.Lock()
			s.inflight = nil
			s.mu.Unlock()
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// next pops the earliest due event, or reports how long to sleep. Sleeps are
// capped by the poll interval so clock jumps are observed promptly.
func (s *Service) next() (*model.TickEvent, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, 0, false
	}
	head, ok := s.q.peek()
	if !ok {
		return nil, s.cfg.PollInterval, true
	}
	if d := head.dueAt.Sub(s.cfg.Now()); d > 0 {
		return nil, min(d, s.cfg.PollInterval), true
	}
	e, _ := s.q.pop()
	ev := e.event
	s.inflight = &ev
	return &ev, 0, true
}

func (s *Service) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// ---------------------------------------------------------------------------
// Front-end operations
// ---------------------------------------------------------------------------

// CreateTimeline registers a timeline and schedules its first tick one real
// interval from now.
func (s *Service) CreateTimeline(ctx context.Context, cfg timeline.CreateConfig) (model.Timeline, model.TickEvent, error) {
	tl, err := s.timelines.Create(ctx, cfg)
	if err != nil {
		return model.Timeline{}, model.TickEvent{}, err
	}
	ev, err := s.Schedule(ctx, model.TickEvent{TimelineID: tl.ID, DueAt: s.cfg.Now().Add(tl.TickReal)})
	if err != nil {
		return tl, ev, fmt.Errorf("timeline %d created without a first tick: %w", tl.ID, err)
	}
	return tl, ev, nil
}

func (s *Service) TimelineByID(ctx context.Context, id int64) (model.Timeline, error) {
	return s.timelines.TimelineByID(ctx, id)
}

func (s *Service) TimelinesForOwner(ctx context.Context, ownerID int64) ([]model.Timeline, error) {
	return s.timelines.TimelinesForOwner(ctx, ownerID)
}

// NextTick returns the earliest pending tick of a timeline held in the heap.
func (s *Service) NextTick(timelineID int64) (model.TickEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  entry
		found bool
	)
	for _, e := range s.q.items {
		if e.Event().TimelineID != timelineID {
			continue
		}
		if !found || e.less(best) {
			best, found = e, true
		}
	}
	return best.Event(), found
}

// Resume restarts a timeline that has no live tick, typically after a
// failed tick stalled it. Pending rows that are missing from the heap are
// re-queued; otherwise a new tick is scheduled at now. Stalled time is not
// replayed.
func (s *Service) Resume(ctx context.Context, timelineID int64) (model.TickEvent, error) {
	s.mu.Lock()
	running := s.running
	busy := s.inflight != nil && s.inflight.TimelineID == timelineID
	s.mu.Unlock()
	if !running {
		return model.TickEvent{}, ErrNotRunning
	}
	if busy {
		return model.TickEvent{}, ErrAlreadyPending
	}
	if _, err := s.timelines.TimelineByID(ctx, timelineID); err != nil {
		return model.TickEvent{}, err
	}

	requeued, ok, err := s.recoverTimeline(ctx, timelineID)
	if err != nil {
		return model.TickEvent{}, err
	}
	if ok {
		s.log.Info("timeline resumed from stored tick",
			logx.Int64("timeline_id", timelineID), logx.Int64("tick_id", requeued.ID))
		return requeued, nil
	}

	ev, err := s.Schedule(ctx, model.TickEvent{TimelineID: timelineID, DueAt: s.cfg.Now()})
	if err != nil {
		return ev, err
	}
	s.log.Info("timeline resumed", logx.Int64("timeline_id", timelineID), logx.Int64("tick_id", ev.ID))
	return ev, nil
}

// recoverTimeline reconciles one timeline's stored pending rows with the
// heap. Heap entries whose rows reached a terminal status are dropped. Rows
// of ticks that already ran are marked completed, and the remaining orphan
// rows are pushed back. ok reports whether anything was re-queued; the
// earliest re-queued event is returned. It fails with ErrAlreadyPending
// when a live tick for the timeline remains in the heap.
func (s *Service) recoverTimeline(ctx context.Context, timelineID int64) (model.TickEvent, bool, error) {
	rows, err := s.store.EventsForTimeline(ctx, timelineID, 0)
	if err != nil {
		return model.TickEvent{}, false, err
	}
	status := make(map[int64]model.Status, len(rows))
	for _, ev := range rows {
		status[ev.ID] = ev.Status
	}

	var orphans, ran []model.TickEvent
	s.mu.Lock()
	var stale []int64
	live := s.inflight != nil && s.inflight.TimelineID == timelineID
	for _, e := range s.q.items {
		ev := e.Event()
		if ev.TimelineID != timelineID {
			continue
		}
		// Terminal statuses are final, so a terminal row can never be
		// live again. Rows newer than the read above count as live.
		if st, ok := status[ev.ID]; ok && st.Terminal() {
			stale = append(stale, ev.ID)
			continue
		}
		live = true
	}
	if live {
		s.mu.Unlock()
		return model.TickEvent{}, false, ErrAlreadyPending
	}
	for _, id := range stale {
		s.q.remove(id)
	}
	for _, ev := range rows {
		if ev.Status != model.StatusPending || s.q.has(ev.ID) {
			continue
		}
		if _, ok := s.unsettled[ev.ID]; ok {
			ran = append(ran, ev)
		} else {
			orphans = append(orphans, ev)
		}
	}
	s.mu.Unlock()

	if len(stale) > 0 {
		s.log.Info("dropped stale heap entries", logx.Int64("timeline_id", timelineID), logx.Int("count", len(stale)))
	}
	for _, ev := range ran {
		if err := s.store.UpdateEventStatus(ctx, ev.ID, model.StatusCompleted); err != nil {
			return model.TickEvent{}, false, fmt.Errorf("settle tick %d: %w", ev.ID, err)
		}
		s.mu.Lock()
		delete(s.unsettled, ev.ID)
		s.mu.Unlock()
	}
	if len(orphans) == 0 {
		return model.TickEvent{}, false, nil
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return model.TickEvent{}, false, ErrNotRunning
	}
	first := orphans[0]
	for _, ev := range orphans {
		s.q.push(ev)
		if ev.DueAt.Before(first.DueAt) {
			first = ev
		}
	}
	s.mu.Unlock()
	s.kick()
	return first, true, nil
}

// settle retries the completion write of ticks that already executed.
func (s *Service) settle(ctx context.Context) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.unsettled))
	for id := range s.unsettled {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		err := s.store.UpdateEventStatus(ctx, id, model.StatusCompleted)
		if err != nil && !errors.Is(err, storage.ErrInvalidTransition) && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("tick completion still not persisted", logx.Int64("tick_id", id), logx.Err(err))
			continue
		}
		s.mu.Lock()
		delete(s.unsettled, id)
		s.mu.Unlock()
	}
}

// Stalled lists timelines with neither a queued nor an executing tick.
func (s *Service) Stalled(ctx context.Context) ([]model.Timeline, error) {
	all, err := s.timelines.All(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	live := make(map[int64]struct{}, len(s.q.items)+1)
	for _, e := range s.q.items {
		live[e.Event().TimelineID] = struct{}{}
	}
	if s.inflight != nil {
		live[s.inflight.TimelineID] = struct{}{}
	}
	s.mu.Unlock()

	var out []model.Timeline
	for _, tl := range all {
		if _, ok := live[tl.ID]; !ok {
			out = append(out, tl)
		}
	}
	return out, nil
}

func (s *Service) sweepStalls() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stalled, err := s.Stalled(ctx)
	if err != nil {
		s.log.Warn("stall sweep failed", logx.Err(err))
		return
	}
	for _, tl := range stalled {
		s.log.Warn("timeline stalled; use /resume", logx.Int64("timeline_id", tl.ID), logx.String("name", tl.Name))
		s.publish(EventTimelineStalled, TickInfo{TimelineID: tl.ID})
	}
}

// Snapshot reports the loop state and the heap in execution order.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:  s.running,
		Executed: s.executed.Load(),
		Failed:   s.failed.Load(),

		Unsettled:  len(s.unsettled),
		Goroutines: s.sup.Counters(),
	}
	if s.inflight != nil {
		snap.Inflight = &PendingEntry{EventID: s.inflight.ID, TimelineID: s.inflight.TimelineID, DueAt: s.inflight.DueAt}
	}
	for _, e := range s.q.sorted() {
		ev := e.Event()
		snap.Pending = append(snap.Pending, PendingEntry{EventID: ev.ID, TimelineID: ev.TimelineID, DueAt: e.DueAt()})
	}
	return snap
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tickbot/internal/eventbus"
	"tickbot/internal/model"
	"tickbot/internal/storage"
	"tickbot/internal/timeline"
	"tickbot/internal/timeunit"
	logx "tickbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type recordingSender struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (r *recordingSender) Send(_ context.Context, _ model.Target, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return r.err
}

func (r *recordingSender) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

type harness struct {
	clock  *fakeClock
	store  storage.Store
	reg    *timeline.Registry
	sender *recordingSender
	bus    eventbus.Bus
	svc    *Service
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, wrap func(Timelines) Timelines) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		clock:  &fakeClock{t: testNow},
		store:  st,
		reg:    timeline.New(st, logx.Nop()),
		sender: &recordingSender{},
		bus:    eventbus.New(),
	}
	var tls Timelines = h.reg
	if wrap != nil {
		tls = wrap(tls)
	}
	h.svc = New(Config{PollInterval: 5 * time.Millisecond, StallCheck: "-", Now: h.clock.Now}, st, tls, h.sender, h.bus, logx.Nop())
	t.Cleanup(func() { _ = h.svc.Stop(context.Background()) })
	return h
}

func (h *harness) timeline(t *testing.T, name string) model.Timeline {
	t.Helper()
	tl, err := h.reg.Create(context.Background(), timeline.CreateConfig{
		OwnerID:       1,
		Name:          name,
		Start:         time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
		TickSimulated: model.Interval{Amount: 1, Unit: timeunit.Day},
		TickReal:      time.Hour,
		Target:        &model.Target{ChatID: 99},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tl
}

func (h *harness) pending(t *testing.T, tl model.Timeline, due time.Time) model.TickEvent {
	t.Helper()
	ev, err := h.store.InsertEvent(context.Background(), model.TickEvent{TimelineID: tl.ID, DueAt: due})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	return ev
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func (h *harness) eventStatus(t *testing.T, tl model.Timeline, id int64) model.Status {
	t.Helper()
	evs, err := h.store.EventsForTimeline(context.Background(), tl.ID, 0)
	if err != nil {
		t.Fatalf("EventsForTimeline: %v", err)
	}
	for _, ev := range evs {
		if ev.ID == id {
			return ev.Status
		}
	}
	t.Fatalf("event %d not found", id)
	return ""
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTicksPassed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		elapsed, interval time.Duration
		want              int64
	}{
		{0, time.Hour, 1},
		{-time.Minute, time.Hour, 1},
		{time.Millisecond, time.Hour, 1},
		{time.Hour, time.Hour, 1},
		{time.Hour + time.Nanosecond, time.Hour, 2},
		{3*time.Hour + 30*time.Minute, time.Hour, 4},
		{time.Hour, 0, 1},
	}
	for _, tt := range tests {
		if got := ticksPassed(tt.elapsed, tt.interval); got != tt.want {
			t.Errorf("ticksPassed(%v, %v) = %d, want %d", tt.elapsed, tt.interval, got, tt.want)
		}
	}
}

func TestRecoveryDoesNotExecute(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	tl := h.timeline(t, "Arrakis")
	var ids []int64
	for i := 1; i <= 3; i++ {
		ids = append(ids, h.pending(t, tl, testNow.Add(time.Duration(i)*time.Hour)).ID)
	}

	h.start(t)
	h.stop(t)

	snap := h.svc.Snapshot()
	if snap.Running {
		t.Fatal("still running after Stop")
	}
	if len(snap.Pending) != 3 || snap.Executed != 0 {
		t.Fatalf("snapshot = %+v, want 3 pending and none executed", snap)
	}
	for i, p := range snap.Pending {
		if p.EventID != ids[i] {
			t.Fatalf("pending[%d] = %d, want %d", i, p.EventID, ids[i])
		}
	}
	stored, err := h.store.PendingEvents(context.Background())
	if err != nil || len(stored) != 3 {
		t.Fatalf("store pending = %d, %v", len(stored), err)
	}
	got, _ := h.reg.TimelineByID(context.Background(), tl.ID)
	if !got.SimulatedTime.Equal(tl.SimulatedTime) {
		t.Fatalf("timeline mutated: %v", got.SimulatedTime)
	}

	// A second start rebuilds the same heap.
	h.start(t)
	h.stop(t)
	if n := len(h.svc.Snapshot().Pending); n != 3 {
		t.Fatalf("pending after restart = %d, want 3", n)
	}
}

func TestEndToEndTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	tl := h.timeline(t, "Westeros")
	ev := h.pending(t, tl, testNow)

	h.start(t)
	waitFor(t, "tick execution and chaining", func() bool {
		s := h.svc.Snapshot()
		return s.Executed == 1 && len(s.Pending) == 1
	})
	if g := h.svc.Snapshot().Goroutines; g.Active < 1 || g.Started < 1 {
		t.Fatalf("goroutines = %+v, want the loop counted", g)
	}
	h.stop(t)

	got, err := h.reg.TimelineByID(context.Background(), tl.ID)
	if err != nil {
		t.Fatalf("TimelineByID: %v", err)
	}
	if want := time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC); !got.SimulatedTime.Equal(want) {
		t.Fatalf("SimulatedTime = %v, want %v", got.SimulatedTime, want)
	}
	if st := h.eventStatus(t, tl, ev.ID); st != model.StatusCompleted {
		t.Fatalf("original status = %s, want completed", st)
	}
	pending, _ := h.store.PendingEvents(context.Background())
	if len(pending) != 1 || !pending[0].DueAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("pending = %+v, want one due at now+1h", pending)
	}
	if next, ok := h.svc.NextTick(tl.ID); !ok || next.ID != pending[0].ID {
		t.Fatalf("NextTick = %+v, %v", next, ok)
	}
	msgs := h.sender.messages()
	if len(msgs) != 1 || msgs[0] != "Time in Westeros is now 2 January 1970." {
		t.Fatalf("messages = %q", msgs)
	}
}

func TestCatchUpCollapsesMissedTicks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	tl := h.timeline(t, "Narnia")
	due := testNow.Add(-(3*time.Hour + 30*time.Minute))
	ev := h.pending(t, tl, due)

	h.start(t)
	waitFor(t, "catch-up tick", func() bool {
		s := h.svc.Snapshot()
		return s.Executed == 1 && len(s.Pending) == 1
	})
	h.stop(t)

	got, _ := h.reg.TimelineByID(context.Background(), tl.ID)
	if want := time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC); !got.SimulatedTime.Equal(want) {
		t.Fatalf("SimulatedTime = %v, want %v (4 ticks)", got.SimulatedTime, want)
	}
	snap := h.svc.Snapshot()
	if want := due.Add(4 * time.Hour); !snap.Pending[0].DueAt.Equal(want) {
		t.Fatalf("next due = %v, want %v", snap.Pending[0].DueAt, want)
	}
	if snap.Executed != 1 || len(h.sender.messages()) != 1 {
		t.Fatalf("executed %d times with %d messages, want once", snap.Executed, len(h.sender.messages()))
	}
	if st := h.eventStatus(t, tl, ev.ID); st != model.StatusCompleted {
		t.Fatalf("status = %s", st)
	}
}

func TestEventsExecuteInDueOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	done, unsub := h.bus.Subscribe(16, EventTickCompleted)
	defer unsub()

	base := testNow.Add(-10 * time.Second)
	for i := 2; i >= 0; i-- {
		tl := h.timeline(t, fmt.Sprintf("T%d", i))
		if _, err := h.svc.Schedule(context.Background(), model.TickEvent{TimelineID: tl.ID, DueAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	h.start(t)
	var order []time.Time
	timeout := time.After(3 * time.Second)
	for len(order) < 3 {
		select {
		case ev := <-done:
			order = append(order, ev.Data.(TickInfo).DueAt)
		case <-timeout:
			t.Fatalf("only %d ticks completed", len(order))
		}
	}
	h.stop(t)

	for i := 1; i < len(order); i++ {
		if order[i].Before(order[i-1]) {
			t.Fatalf("execution order = %v, want ascending", order)
		}
	}
}

type failingAdvance struct {
	Timelines
}

func (f failingAdvance) Advance(context.Context, model.Timeline, int64) (model.Timeline, error) {
	return model.Timeline{}, errors.New("disk full")
}

func TestFailedTickIsNotChained(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(tl Timelines) Timelines { return failingAdvance{tl} })
	failed, unsub := h.bus.Subscribe(4, EventTickFailed)
	defer unsub()
	tl := h.timeline(t, "Gondor")
	ev := h.pending(t, tl, testNow)

	h.start(t)
	select {
	case <-failed:
	case <-time.After(3 * time.Second):
		t.Fatal("no tick.failed event")
	}
	waitFor(t, "inflight to clear", func() bool { return h.svc.Snapshot().Inflight == nil })

	if st := h.eventStatus(t, tl, ev.ID); st != model.StatusFailed {
		t.Fatalf("status = %s, want failed", st)
	}
	if n := len(h.svc.Snapshot().Pending); n != 0 {
		t.Fatalf("pending = %d, want 0 (no chaining)", n)
	}
	stalled, err := h.svc.Stalled(context.Background())
	if err != nil || len(stalled) != 1 || stalled[0].ID != tl.ID {
		t.Fatalf("Stalled = %+v, %v", stalled, err)
	}
	if len(h.sender.messages()) != 0 {
		t.Fatal("failed tick must not announce")
	}
	h.stop(t)
}

type missingTimeline struct {
	Timelines
}

func (missingTimeline) TimelineByID(_ context.Context, id int64) (model.Timeline, error) {
	return model.Timeline{}, fmt.Errorf("%w: %d", timeline.ErrTimelineNotFound, id)
}

func TestMissingTimelineMarksFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(tl Timelines) Timelines { return missingTimeline{tl} })
	tl := h.timeline(t, "Atlantis")
	ev := h.pending(t, tl, testNow)

	h.start(t)
	waitFor(t, "failure", func() bool { return h.svc.Snapshot().Failed == 1 })
	h.stop(t)

	if st := h.eventStatus(t, tl, ev.ID); st != model.StatusFailed {
		t.Fatalf("status = %s, want failed", st)
	}
}

func TestNotificationFailureStillCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.sender.err = errors.New("chat unreachable")
	tl := h.timeline(t, "Hogwarts")
	ev := h.pending(t, tl, testNow)

	h.start(t)
	waitFor(t, "tick", func() bool {
		s := h.svc.Snapshot()
		return s.Executed == 1 && len(s.Pending) == 1
	})
	h.stop(t)

	if st := h.eventStatus(t, tl, ev.ID); st != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", st)
	}
}

func TestCreateTimelineSchedulesFirstTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)
	defer h.stop(t)

	tl, ev, err := h.svc.CreateTimeline(context.Background(), timeline.CreateConfig{
		OwnerID:       7,
		Name:          "Middle-earth",
		Start:         time.Date(3018, 9, 23, 0, 0, 0, 0, time.UTC),
		TickSimulated: model.Interval{Amount: 1, Unit: timeunit.Week},
		TickReal:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("CreateTimeline: %v", err)
	}
	if !ev.DueAt.Equal(testNow.Add(30*time.Minute)) || ev.TimelineID != tl.ID {
		t.Fatalf("first tick = %+v", ev)
	}
	if next, ok := h.svc.NextTick(tl.ID); !ok || next.ID != ev.ID {
		t.Fatalf("NextTick = %+v, %v", next, ok)
	}
	owned, err := h.svc.TimelinesForOwner(context.Background(), 7)
	if err != nil || len(owned) != 1 {
		t.Fatalf("TimelinesForOwner = %+v, %v", owned, err)
	}
}

func TestStartSeedsTimelinesWithoutEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	tl := h.timeline(t, "Discworld")

	h.start(t)
	h.stop(t)

	snap := h.svc.Snapshot()
	if len(snap.Pending) != 1 || snap.Pending[0].TimelineID != tl.ID || !snap.Pending[0].DueAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("pending = %+v, want one seeded tick at now+1h", snap.Pending)
	}
}

func TestResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	tl := h.timeline(t, "Tatooine")
	ev := h.pending(t, tl, testNow.Add(time.Hour))

	if _, err := h.svc.Resume(context.Background(), tl.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Resume before start err = %v, want ErrNotRunning", err)
	}

	h.start(t)
	defer h.stop(t)
	if _, err := h.svc.Resume(context.Background(), tl.ID); !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("Resume with pending tick err = %v, want ErrAlreadyPending", err)
	}

	// Simulate a stall: the pending tick fails out of band.
	if err := h.store.UpdateEventStatus(context.Background(), ev.ID, model.StatusFailed); err != nil {
		t.Fatalf("UpdateEventStatus: %v", err)
	}
	if _, err := h.svc.Resume(context.Background(), tl.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "resumed tick", func() bool { return h.svc.Snapshot().Executed == 1 })
	if _, err := h.svc.Resume(context.Background(), tl.ID+100); !errors.Is(err, timeline.ErrTimelineNotFound) {
		t.Fatalf("Resume unknown err = %v, want ErrTimelineNotFound", err)
	}
}

// lostCompletionStore fails the next n completion writes.
type lostCompletionStore struct {
	storage.Store
	mu sync.Mutex
	n  int
}

func (s *lostCompletionStore) UpdateEventStatus(ctx context.Context, id int64, status model.Status) error {
	s.mu.Lock()
	fail := status == model.StatusCompleted && s.n > 0
	if fail {
		s.n--
	}
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: disk I/O error", storage.ErrStorage)
	}
	return s.Store.UpdateEventStatus(ctx, id, status)
}

func (h *harness) useStore(t *testing.T, st storage.Store) {
	t.Helper()
	h.svc = New(Config{PollInterval: 5 * time.Millisecond, StallCheck: "-", Now: h.clock.Now}, st, h.reg, h.sender, h.bus, logx.Nop())
	t.Cleanup(func() { _ = h.svc.Stop(context.Background()) })
}

func TestResumeSettlesTickWithLostCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.useStore(t, &lostCompletionStore{Store: h.store, n: 1})
	tl := h.timeline(t, "Arrakis")
	ev := h.pending(t, tl, testNow)

	h.start(t)
	defer h.stop(t)
	waitFor(t, "lost completion", func() bool { return h.svc.Snapshot().Unsettled == 1 })

	stalled, err := h.svc.Stalled(context.Background())
	if err != nil || len(stalled) != 1 || stalled[0].ID != tl.ID {
		t.Fatalf("Stalled = %v, %v", stalled, err)
	}
	if st := h.eventStatus(t, tl, ev.ID); st != model.StatusPending {
		t.Fatalf("status before resume = %s, want pending", st)
	}

	next, err := h.svc.Resume(context.Background(), tl.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if next.ID == ev.ID {
		t.Fatal("Resume replayed the tick that already ran")
	}
	if st := h.eventStatus(t, tl, ev.ID); st != model.StatusCompleted {
		t.Fatalf("status after resume = %s, want completed", st)
	}
	waitFor(t, "resumed tick", func() bool { return h.svc.Snapshot().Executed == 1 })

	got, err := h.reg.TimelineByID(context.Background(), tl.ID)
	if err != nil {
		t.Fatalf("TimelineByID: %v", err)
	}
	// One advance from the lost tick, one from the resumed tick.
	if want := time.Date(1970, 1, 3, 0, 0, 0, 0, time.UTC); !got.SimulatedTime.Equal(want) {
		t.Fatalf("simulated = %v, want %v", got.SimulatedTime, want)
	}
	if h.svc.Snapshot().Unsettled != 0 {
		t.Fatal("unsettled tick not cleared")
	}
}

func TestResumeRequeuesOrphanedPendingRow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	tl := h.timeline(t, "Dagobah")
	queued := h.pending(t, tl, testNow.Add(time.Hour))

	h.start(t)
	defer h.stop(t)

	// The queued tick fails out of band and a row is added behind the
	// scheduler's back, as an offline repair tool would.
	if err := h.store.UpdateEventStatus(context.Background(), queued.ID, model.StatusFailed); err != nil {
		t.Fatalf("UpdateEventStatus: %v", err)
	}
	orphan := h.pending(t, tl, testNow)

	got, err := h.svc.Resume(context.Background(), tl.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got.ID != orphan.ID {
		t.Fatalf("Resume queued tick %d, want stored row %d", got.ID, orphan.ID)
	}
	waitFor(t, "orphan executed", func() bool { return h.svc.Snapshot().Executed == 1 })
	if st := h.eventStatus(t, tl, orphan.ID); st != model.StatusCompleted {
		t.Fatalf("orphan status = %s, want completed", st)
	}
	n, err := h.store.CountEvents(context.Background(), tl.ID, model.StatusPending)
	if err != nil || n != 1 {
		t.Fatalf("pending after chain = %d, %v; want 1", n, err)
	}
}

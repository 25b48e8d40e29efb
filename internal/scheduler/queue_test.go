package scheduler

import (
	"testing"
	"time"

	"tickbot/internal/model"
)

func TestQueueOrdersByDueThenInsertion(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := newQueue()
	q.push(model.TickEvent{ID: 1, DueAt: base.Add(2 * time.Second)})
	q.push(model.TickEvent{ID: 2, DueAt: base})
	q.push(model.TickEvent{ID: 3, DueAt: base.Add(time.Second)})
	q.push(model.TickEvent{ID: 4, DueAt: base})

	if head, ok := q.peek(); !ok || head.event.ID != 2 {
		t.Fatalf("peek = %+v, want event 2", head)
	}
	if got := q.sorted(); len(got) != 4 || q.Len() != 4 {
		t.Fatalf("sorted len = %d, queue len = %d", len(got), q.Len())
	}

	var ids []int64
	for {
		e, ok := q.pop()
		if !ok {
			break
		}
		ids = append(ids, e.event.ID)
	}
	want := []int64{2, 4, 3, 1}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("pop order = %v, want %v", ids, want)
		}
	}
}

func TestQueueIgnoresDuplicateIDs(t *testing.T) {
	t.Parallel()
	q := newQueue()
	ev := model.TickEvent{ID: 9, DueAt: time.Unix(100, 0)}
	if !q.push(ev) {
		t.Fatal("first push rejected")
	}
	if q.push(ev) {
		t.Fatal("duplicate push accepted")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
	q.pop()
	if !q.push(ev) {
		t.Fatal("push after pop rejected")
	}
}

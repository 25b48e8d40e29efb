package scheduler

import (
	"container/heap"
	"time"

	"tickbot/internal/model"
)

// entry orders a pending event by due time, then by insertion sequence.
type entry struct {
	dueAt time.Time
	seq   uint64
	event model.TickEvent
}

func (e entry) Event() model.TickEvent { return e.event }
func (e entry) DueAt() time.Time       { return e.dueAt }

func (e entry) less(o entry) bool {
	if !e.dueAt.Equal(o.dueAt) {
		return e.dueAt.Before(o.dueAt)
	}
	return e.seq < o.seq
}

// queue is a min-heap of entries holding each event ID at most once. Not safe
// for concurrent use; the Service guards it with its mutex.
type queue struct {
	items []entry
	ids   map[int64]struct{}
	seq   uint64
}

func newQueue() queue {
	return queue{ids: map[int64]struct{}{}}
}

func (q *queue) Len() int           { return len(q.items) }
func (q *queue) Less(i, j int) bool { return q.items[i].less(q.items[j]) }
func (q *queue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *queue) Push(x any)         { q.items = append(q.items, x.(entry)) }

func (q *queue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = entry{}
	q.items = old[:n-1]
	return it
}

// push adds ev unless an entry with the same ID is already queued.
func (q *queue) push(ev model.TickEvent) bool {
	if q.ids == nil {
		q.ids = map[int64]struct{}{}
	}
	if _, dup := q.ids[ev.ID]; dup {
		return false
	}
	q.ids[ev.ID] = struct{}{}
	q.seq++
	heap.Push(q, entry{dueAt: ev.DueAt, seq: q.seq, event: ev})
	return true
}

// peek returns the earliest entry without removing it.
func (q *queue) peek() (entry, bool) {
	if len(q.items) == 0 {
		return entry{}, false
	}
	return q.items[0], true
}

func (q *queue) pop() (entry, bool) {
	if len(q.items) == 0 {
		return entry{}, false
	}
	e := heap.Pop(q).(entry)
	delete(q.ids, e.event.ID)
	return e, true
}

// has reports whether an event ID is queued.
func (q *queue) has(id int64) bool {
	_, ok := q.ids[id]
	return ok
}

// remove drops a queued event by ID.
func (q *queue) remove(id int64) bool {
	if !q.has(id) {
		return false
	}
	for i, e := range q.items {
		if e.event.ID == id {
			heap.Remove(q, i)
			delete(q.ids, id)
			return true
		}
	}
	return false
}

func (q *queue) reset() {
	q.items = nil
	q.ids = map[int64]struct{}{}
}

// sorted returns a copy of the entries in execution order.
func (q *queue) sorted() []entry {
	cp := &queue{items: append([]entry(nil), q.items...)}
	out := make([]entry, 0, len(cp.items))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(cp).(entry))
	}
	return out
}

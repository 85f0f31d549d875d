package scheduler

import (
	"container/heap"
	"time"
)

// entry is one due-time registration. A task may have stale entries in the
// heap after its start moved; they are skipped when popped.
type entry struct {
	id string
	at time.Time
}

type dueQueue []entry

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].id < q[j].id
	}
	return q[i].at.Before(q[j].at)
}

func (q dueQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *dueQueue) Push(x any) { *q = append(*q, x.(entry)) }

func (q *dueQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

func (q *dueQueue) push(id string, at time.Time) {
	heap.Push(q, entry{id: id, at: at})
}

// popDue removes and returns the earliest entry due at or before now.
func (q *dueQueue) popDue(now time.Time) (entry, bool) {
	if q.Len() == 0 || (*q)[0].at.After(now) {
		return entry{}, false
	}
	return heap.Pop(q).(entry), true
}

// peek returns the earliest due time.
func (q dueQueue) peek() (time.Time, bool) {
	if len(q) == 0 {
		return time.Time{}, false
	}
	return q[0].at, true
}

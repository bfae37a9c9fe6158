package eventloop

import (
	"container/heap"
	"time"
)

// Manual is a virtual-time Scheduler. Nothing runs until the owner calls
// Advance or Drain, which makes protocol runs reproducible. It is not safe
// for concurrent use.
type Manual struct {
	now time.Time
	seq uint64
	q   eventQueue
}

type manualEvent struct {
	at        time.Time
	seq       uint64
	fn        func()
	cancelled bool
	index     int
}

func (e *manualEvent) Stop() bool {
	if e.cancelled || e.index < 0 {
		return false
	}
	e.cancelled = true
	return true
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.seq++
	ev := &manualEvent{at: m.now.Add(d), seq: m.seq, fn: fn}
	heap.Push(&m.q, ev)
	return ev
}

func (m *Manual) Post(fn func()) {
	m.AfterFunc(0, fn)
}

// Advance moves virtual time forward by d, running every event that falls
// due in order. Events scheduled while advancing run too if they are due.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for m.q.Len() > 0 {
		next := m.q[0]
		if next.at.After(target) {
			break
		}
		heap.Pop(&m.q)
		if next.cancelled {
			continue
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		next.fn()
	}
	m.now = target
}

// Drain runs everything due at the current instant.
func (m *Manual) Drain() {
	m.Advance(0)
}

// Pending counts scheduled events, including cancelled ones not yet popped.
func (m *Manual) Pending() int {
	return m.q.Len()
}

type eventQueue []*manualEvent

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*manualEvent)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*q = old[:n-1]
	return ev
}

// Package queue provides the Scheduler's indexed priority min-heap with
// starvation-boost aging, and the Orchestrator's bounded admission queue.
// The heap never mutates a stored item's priority in place; "virtual"
// priority from aging is computed fresh at each comparison (§9 REDESIGN
// FLAGS: "apply a virtual priority on dequeue rather than mutating heap
// entries in place").
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/seiforesti/scancore/internal/domain"
)

// Item is one entry in the scheduler's priority queue.
type Item struct {
	ScheduleID  string
	Priority    domain.Priority
	Due         time.Time
	SubmittedAt time.Time
	seq         int64
	index       int
}

// starvationThreshold and effectivePriority implement §4.2's aging rule:
// schedules older than this age get a boost of min(100, ageMinutes*0.5),
// which effectivePriority divides by 100 before subtracting it from the
// priority value.
const starvationThreshold = 60 * time.Minute

func effectivePriority(it *Item, now time.Time) float64 {
	base := float64(domain.PriorityValue(it.Priority))
	age := now.Sub(it.SubmittedAt)
	if age <= starvationThreshold {
		return base
	}
	boost := age.Minutes() * 0.5
	if boost > 100 {
		boost = 100
	}
	// Boost lowers the effective value (more urgent), scaled so it cannot
	// invert the ordering across non-adjacent priority bands by itself.
	return base - boost/100.0
}

type innerHeap struct {
	items []*Item
	now   func() time.Time
}

func (h innerHeap) Len() int { return len(h.items) }

func (h innerHeap) Less(i, j int) bool {
	now := h.now()
	pi, pj := effectivePriority(h.items[i], now), effectivePriority(h.items[j], now)
	if pi != pj {
		return pi < pj
	}
	if !h.items[i].Due.Equal(h.items[j].Due) {
		return h.items[i].Due.Before(h.items[j].Due)
	}
	return h.items[i].seq < h.items[j].seq
}

func (h innerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *innerHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *innerHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	return it
}

// PriorityQueue is a concurrency-safe wrapper around the indexed min-heap.
type PriorityQueue struct {
	mu   sync.Mutex
	h    *innerHeap
	seq  int64
	byID map[string]*Item
}

// NewPriorityQueue constructs an empty queue. now defaults to time.Now when nil.
func NewPriorityQueue(now func() time.Time) *PriorityQueue {
	if now == nil {
		now = time.Now
	}
	return &PriorityQueue{
		h:    &innerHeap{now: now},
		byID: make(map[string]*Item),
	}
}

// Push inserts a schedule into the queue.
func (q *PriorityQueue) Push(scheduleID string, priority domain.Priority, due, submittedAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	it := &Item{ScheduleID: scheduleID, Priority: priority, Due: due, SubmittedAt: submittedAt, seq: q.seq}
	heap.Push(q.h, it)
	q.byID[scheduleID] = it
}

// Peek returns the head item without removing it.
func (q *PriorityQueue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return Item{}, false
	}
	return *q.h.items[0], true
}

// Pop removes and returns the head item.
func (q *PriorityQueue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return Item{}, false
	}
	it := heap.Pop(q.h).(*Item)
	delete(q.byID, it.ScheduleID)
	return *it, true
}

// Remove deletes a schedule from the queue by id, if present.
func (q *PriorityQueue) Remove(scheduleID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[scheduleID]
	if !ok {
		return false
	}
	heap.Remove(q.h, it.index)
	delete(q.byID, scheduleID)
	return true
}

// UpdateDue advances a schedule's due time in place (used when a High/
// Critical dependent is promoted on dependency completion, §4.2) and fixes
// heap ordering.
func (q *PriorityQueue) UpdateDue(scheduleID string, due time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[scheduleID]
	if !ok {
		return false
	}
	it.Due = due
	heap.Fix(q.h, it.index)
	return true
}

// Len returns the current queue length.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Snapshot returns a copy of all items currently queued, for introspection
// (Scheduler.Status and the density-analysis helper).
func (q *PriorityQueue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.h.items))
	for i, it := range q.h.items {
		out[i] = *it
	}
	return out
}

package orchestrator

import (
	"container/heap"
	"sync"
	"time"

	"github.com/seiforesti/scancore/internal/domain"
)

// pool is the resource pool (§5): a set of numeric counters protected by a
// single critical section, separate from the execution table and the
// admission queue's own critical sections so the three are never held
// together (no lock ordering to maintain, no deadlock risk).
type pool struct {
	mu           sync.Mutex
	capacity     map[domain.ResourceKind]float64
	allocated    map[domain.ResourceKind]float64
	safetyMargin float64

	byExec      map[string]*domain.ResourceAllocation
	expiry      expiryHeap
	expiryIndex map[string]*expiryEntry
}

func newPool(capacity map[domain.ResourceKind]float64, safetyMargin float64) *pool {
	return &pool{
		capacity:     capacity,
		allocated:    make(map[domain.ResourceKind]float64),
		safetyMargin: safetyMargin,
		byExec:       make(map[string]*domain.ResourceAllocation),
		expiryIndex:  make(map[string]*expiryEntry),
	}
}

// availableCeiling is capacity × (1 − safetyMargin), the usable ceiling (§5 safety margin).
func (p *pool) availableCeiling(kind domain.ResourceKind) float64 {
	return p.capacity[kind] * (1 - p.safetyMargin)
}

// fits reports whether req can be allocated without exceeding the ceiling
// on every resource type (§4.1 step 3), consulting a consistent snapshot.
func (p *pool) fits(req domain.ResourceRequirement) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fitsLocked(req)
}

func (p *pool) fitsLocked(req domain.ResourceRequirement) bool {
	for kind, amount := range req.AsMap() {
		if p.allocated[kind]+amount > p.availableCeiling(kind) {
			return false
		}
	}
	return true
}

// tryAllocate atomically re-checks fit and allocates req for executionID,
// returning false if it no longer fits (a racing allocation won the slot).
func (p *pool) tryAllocate(executionID string, req domain.ResourceRequirement, priority domain.Priority, now time.Time, ttl time.Duration) (domain.ResourceAllocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.fitsLocked(req) {
		return domain.ResourceAllocation{}, false
	}
	for kind, amount := range req.AsMap() {
		p.allocated[kind] += amount
	}
	alloc := domain.ResourceAllocation{
		RequestID:   executionID,
		Requirement: req,
		Priority:    priority,
		AllocatedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	p.byExec[executionID] = &alloc
	p.pushExpiryLocked(executionID, alloc.ExpiresAt)
	return alloc, true
}

// release frees executionID's allocation, if any, returning whether one
// existed.
func (p *pool) release(executionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseLocked(executionID)
}

func (p *pool) releaseLocked(executionID string) bool {
	alloc, ok := p.byExec[executionID]
	if !ok {
		return false
	}
	for kind, amount := range alloc.Requirement.AsMap() {
		p.allocated[kind] -= amount
	}
	delete(p.byExec, executionID)
	p.removeExpiryLocked(executionID)
	return true
}

// sweepExpired releases every allocation whose expiresAt < now (§5's sole
// self-healing mechanism for leaked allocations), returning the released
// execution ids.
func (p *pool) sweepExpired(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var released []string
	for p.expiry.Len() > 0 && p.expiry[0].expiresAt.Before(now) {
		entry := heap.Pop(&p.expiry).(*expiryEntry)
		delete(p.expiryIndex, entry.executionID)
		if p.releaseLocked(entry.executionID) {
			released = append(released, entry.executionID)
		}
	}
	return released
}

// utilization returns a snapshot of allocated/capacity per resource kind.
func (p *pool) utilization() map[domain.ResourceKind]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[domain.ResourceKind]float64, len(p.capacity))
	for _, kind := range domain.AllResourceKinds {
		if p.capacity[kind] == 0 {
			out[kind] = 0
			continue
		}
		out[kind] = p.allocated[kind] / p.capacity[kind]
	}
	return out
}

func (p *pool) pushExpiryLocked(executionID string, expiresAt time.Time) {
	e := &expiryEntry{executionID: executionID, expiresAt: expiresAt}
	heap.Push(&p.expiry, e)
	p.expiryIndex[executionID] = e
}

func (p *pool) removeExpiryLocked(executionID string) {
	e, ok := p.expiryIndex[executionID]
	if !ok {
		return
	}
	heap.Remove(&p.expiry, e.index)
	delete(p.expiryIndex, executionID)
}

// expiryEntry/expiryHeap implement the map+min-heap-on-expiresAt pattern
// for O(log n) sweeps (§9 DESIGN NOTES: "Allocation with expiry").
type expiryEntry struct {
	executionID string
	expiresAt   time.Time
	index       int
}

type expiryHeap []*expiryEntry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *expiryHeap) Push(x any) {
	e := x.(*expiryEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

package queue

import (
	"sync"

	"github.com/seiforesti/scancore/internal/domain"
)

// Bounded is the orchestrator's admission queue: a FIFO with a hard
// capacity. Once full, TryEnqueue fails with KindQueueFull (§5
// back-pressure) rather than blocking.
type Bounded struct {
	mu       sync.Mutex
	items    []string // execution ids, FIFO order
	capacity int
}

// NewBounded constructs a bounded FIFO queue of the given capacity.
func NewBounded(capacity int) *Bounded {
	return &Bounded{capacity: capacity}
}

// TryEnqueue appends id unless the queue is at capacity.
func (b *Bounded) TryEnqueue(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.capacity {
		return domain.NewError(domain.KindQueueFull, "admission queue is full")
	}
	b.items = append(b.items, id)
	return nil
}

// Dequeue removes and returns the oldest id, if any.
func (b *Bounded) Dequeue() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return "", false
	}
	id := b.items[0]
	b.items = b.items[1:]
	return id, true
}

// Remove deletes id from the queue regardless of position (used by Cancel
// on a still-queued execution).
func (b *Bounded) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range b.items {
		if v == id {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the current queue length.
func (b *Bounded) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

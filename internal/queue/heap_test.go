package queue

import (
	"testing"
	"time"

	"github.com/seiforesti/scancore/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdersByPriorityThenDue(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	q := NewPriorityQueue(func() time.Time { return now })

	q.Push("low", domain.PriorityLow, base.Add(time.Minute), base)
	q.Push("critical", domain.PriorityCritical, base.Add(time.Hour), base)
	q.Push("normal", domain.PriorityNormal, base.Add(time.Minute), base)

	first, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "critical", first.ScheduleID)

	second, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "normal", second.ScheduleID)
}

func TestPriorityQueueStarvationBoost(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	q := NewPriorityQueue(func() time.Time { return now })

	q.Push("old-low", domain.PriorityLow, base, base)
	now = base.Add(10 * time.Hour)
	q.Push("fresh-normal", domain.PriorityNormal, base.Add(10*time.Hour), now)

	// old-low has aged well past the 60-minute starvation threshold, boosting
	// its effective priority to match Normal; the earlier Due then breaks
	// the tie in its favor.
	first, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "old-low", first.ScheduleID)
}

func TestBoundedQueueRejectsOverCapacity(t *testing.T) {
	b := NewBounded(2)
	require.NoError(t, b.TryEnqueue("a"))
	require.NoError(t, b.TryEnqueue("b"))
	err := b.TryEnqueue("c")
	require.Error(t, err)
	require.Equal(t, domain.KindQueueFull, domain.KindOf(err))
}

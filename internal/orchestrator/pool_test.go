package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seiforesti/scancore/internal/domain"
)

func testCapacity() map[domain.ResourceKind]float64 {
	return map[domain.ResourceKind]float64{
		domain.ResourceCPU:     100,
		domain.ResourceMemory:  8192,
		domain.ResourceStorage: 10240,
		domain.ResourceNetwork: 1000,
		domain.ResourceDBConns: 10,
		domain.ResourceAPIRate: 1000,
	}
}

func smallRequirement() domain.ResourceRequirement {
	return domain.ResourceRequirement{
		CPUPct: 10, MemoryMB: 512, StorageMB: 100, NetworkMbps: 10, DBConnections: 1, APIRate: 10,
	}
}

func TestPoolAllocateWithinSafetyMarginSucceeds(t *testing.T) {
	p := newPool(testCapacity(), 0.2)
	now := time.Now()
	alloc, ok := p.tryAllocate("exec-1", smallRequirement(), domain.PriorityNormal, now, time.Hour)
	require.True(t, ok)
	require.Equal(t, "exec-1", alloc.RequestID)
	require.True(t, p.fits(smallRequirement()))
}

func TestPoolRejectsAllocationExceedingSafetyCeiling(t *testing.T) {
	p := newPool(testCapacity(), 0.2)
	huge := domain.ResourceRequirement{CPUPct: 90, MemoryMB: 512, StorageMB: 100, NetworkMbps: 10, DBConnections: 1, APIRate: 10}
	require.False(t, p.fits(huge)) // ceiling is 100*0.8=80, 90 exceeds it
}

func TestPoolReleaseFreesCapacity(t *testing.T) {
	p := newPool(testCapacity(), 0.2)
	now := time.Now()
	req := domain.ResourceRequirement{CPUPct: 70, MemoryMB: 512, StorageMB: 100, NetworkMbps: 10, DBConnections: 1, APIRate: 10}
	_, ok := p.tryAllocate("exec-1", req, domain.PriorityNormal, now, time.Hour)
	require.True(t, ok)
	require.False(t, p.fits(req)) // a second identical request no longer fits

	require.True(t, p.release("exec-1"))
	require.True(t, p.fits(req))
	require.False(t, p.release("exec-1")) // already released
}

func TestPoolSweepExpiredReleasesLeakedAllocations(t *testing.T) {
	p := newPool(testCapacity(), 0.2)
	now := time.Now()
	_, ok := p.tryAllocate("exec-1", smallRequirement(), domain.PriorityNormal, now, time.Minute)
	require.True(t, ok)

	released := p.sweepExpired(now.Add(30 * time.Second))
	require.Empty(t, released)

	released = p.sweepExpired(now.Add(2 * time.Minute))
	require.Equal(t, []string{"exec-1"}, released)
	require.True(t, p.fits(smallRequirement()))
}

func TestPoolUtilizationReflectsAllocation(t *testing.T) {
	p := newPool(testCapacity(), 0.2)
	now := time.Now()
	_, ok := p.tryAllocate("exec-1", smallRequirement(), domain.PriorityNormal, now, time.Hour)
	require.True(t, ok)

	util := p.utilization()
	require.InDelta(t, 0.10, util[domain.ResourceCPU], 0.001)
	require.InDelta(t, 0.0625, util[domain.ResourceMemory], 0.001)
}

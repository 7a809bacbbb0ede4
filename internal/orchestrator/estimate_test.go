package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seiforesti/scancore/internal/domain"
	"github.com/seiforesti/scancore/internal/ports"
)

func TestEstimateResourcesAppliesDeterministicHeuristic(t *testing.T) {
	request := &domain.ScanRequest{
		RuleIDs:  []string{"r1", "r2", "r3"},
		ScanType: domain.ScanFull,
		Priority: domain.PriorityNormal,
	}
	meta := ports.DataSourceMetadata{
		EstimatedRows: 1_000_000,
		Tables:        []string{"t1", "t2", "t3", "t4"},
		Columns:       make([]string, 20),
	}

	req, err := estimateResources(context.Background(), request, meta, nil)
	require.NoError(t, err)

	// complexity = 1 (no bonuses: rules=3≤10, not deep, columns=20≤100)
	require.InDelta(t, 1.0, req.Complexity, 0.0001)
	require.InDelta(t, 20, req.CPUPct, 0.0001)          // clamp(5,50, 1e6/1e5*2)=20
	require.InDelta(t, 8192, req.MemoryMB, 0.0001)      // clamp(512,8192, 1e6/1e4*100)=10000→8192
	require.InDelta(t, 10000, req.StorageMB, 0.0001)    // clamp(100,10240, 1e6/1e3*10)=10000
	require.InDelta(t, 20, req.NetworkMbps, 0.0001)     // clamp(10,1000, 4*5)=20
	require.InDelta(t, 1, req.DBConnections, 0.0001)    // clamp(1,10, 4/10)=1 (floor via clamp lo)
	require.InDelta(t, 15, req.APIRate, 0.0001)         // clamp(10,1000, 3*5)=15
}

func TestEstimateResourcesDeepScanIncreasesComplexity(t *testing.T) {
	request := &domain.ScanRequest{
		RuleIDs:  make([]string, 15),
		ScanType: domain.ScanDeep,
		Priority: domain.PriorityHigh,
	}
	meta := ports.DataSourceMetadata{EstimatedRows: 100, Tables: []string{"t1"}, Columns: make([]string, 150)}

	req, err := estimateResources(context.Background(), request, meta, nil)
	require.NoError(t, err)
	// complexity = 1 + 0.5(rules>10) + 1.0(deep) + 0.3(columns>100) = 2.8
	require.InDelta(t, 2.8, req.Complexity, 0.0001)
}

type fakeEstimator struct {
	hint *domain.ResourceRequirement
	err  error
}

func (f fakeEstimator) EstimateResources(ctx context.Context, request *domain.ScanRequest) (*domain.ResourceRequirement, error) {
	return f.hint, f.err
}
func (f fakeEstimator) EstimateDuration(ctx context.Context, request *domain.ScanRequest) (*float64, error) {
	return nil, nil
}

func TestEstimateResourcesHintOverridesBaseButStaysClamped(t *testing.T) {
	request := &domain.ScanRequest{RuleIDs: []string{"r1"}, Priority: domain.PriorityNormal}
	meta := ports.DataSourceMetadata{EstimatedRows: 100, Tables: []string{"t1"}}
	hint := &domain.ResourceRequirement{CPUPct: 9999, MemoryMB: 1, DBConnections: 0, APIRate: 1}

	req, err := estimateResources(context.Background(), request, meta, fakeEstimator{hint: hint})
	require.NoError(t, err)
	require.Equal(t, 50.0, req.CPUPct)     // clamped to hi
	require.Equal(t, 512.0, req.MemoryMB)  // clamped to lo
	require.Equal(t, 1.0, req.DBConnections)
	require.Equal(t, 10.0, req.APIRate)
}

func TestEstimateResourcesEstimatorErrorFallsBackToHeuristic(t *testing.T) {
	request := &domain.ScanRequest{RuleIDs: []string{"r1"}, Priority: domain.PriorityNormal}
	meta := ports.DataSourceMetadata{EstimatedRows: 100, Tables: []string{"t1"}}

	req, err := estimateResources(context.Background(), request, meta, fakeEstimator{err: assertErr{}})
	require.NoError(t, err)
	require.Greater(t, req.CPUPct, 0.0)
}

type assertErr struct{}

func (assertErr) Error() string { return "estimator unavailable" }

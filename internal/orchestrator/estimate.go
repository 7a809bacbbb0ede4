package orchestrator

import (
	"context"
	"math"

	"github.com/seiforesti/scancore/internal/domain"
	"github.com/seiforesti/scancore/internal/ports"
)

func clamp(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// estimateResources derives a ResourceRequirement from data-source metadata
// per the deterministic heuristic (§4.1); an EstimatorSvc hint, when
// present, replaces the base values but is still clamped to the same
// bounds.
func estimateResources(ctx context.Context, request *domain.ScanRequest, meta ports.DataSourceMetadata, estimator ports.EstimatorSvc) (domain.ResourceRequirement, error) {
	rows := float64(meta.EstimatedRows)
	tables := float64(len(meta.Tables))
	columns := len(meta.Columns)
	rules := len(request.RuleIDs)

	complexity := 1.0
	if rules > 10 {
		complexity += 0.5
	}
	if request.ScanType == domain.ScanDeep {
		complexity += 1.0
	}
	if columns > 100 {
		complexity += 0.3
	}

	cpu := clamp(5, 50, rows/100000*2) * complexity
	mem := clamp(512, 8192, rows/10000*100) * complexity
	storage := clamp(100, 10240, rows/1000*10) * complexity
	network := clamp(10, 1000, tables*5) * complexity
	dbConns := clamp(1, 10, tables/10)
	apiRate := clamp(10, 1000, float64(rules)*5)

	ruleFactor := math.Max(1, float64(rules)/10)
	durationMinutes := clamp(5, 480, math.Ceil(rows/100000*10*ruleFactor*complexity))

	req := domain.ResourceRequirement{
		CPUPct:                   clamp(5, 50, cpu),
		MemoryMB:                 clamp(512, 8192, mem),
		StorageMB:                clamp(100, 10240, storage),
		NetworkMbps:              clamp(10, 1000, network),
		DBConnections:            dbConns,
		APIRate:                  apiRate,
		Complexity:               complexity,
		EstimatedDurationMinutes: durationMinutes,
	}

	if estimator == nil {
		return req, nil
	}
	hint, err := estimator.EstimateResources(ctx, request)
	if err != nil || hint == nil {
		return req, nil
	}
	req.CPUPct = clamp(5, 50, hint.CPUPct)
	req.MemoryMB = clamp(512, 8192, hint.MemoryMB)
	req.StorageMB = clamp(100, 10240, hint.StorageMB)
	req.NetworkMbps = clamp(10, 1000, hint.NetworkMbps)
	req.DBConnections = clamp(1, 10, hint.DBConnections)
	req.APIRate = clamp(10, 1000, hint.APIRate)
	if hint.EstimatedDurationMinutes > 0 {
		req.EstimatedDurationMinutes = clamp(5, 480, hint.EstimatedDurationMinutes)
	}
	return req, nil
}

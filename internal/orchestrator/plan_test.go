package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seiforesti/scancore/internal/domain"
)

func ruleSetRequirement(cpuPct, dbConns float64) domain.ResourceRequirement {
	return domain.ResourceRequirement{CPUPct: cpuPct, DBConnections: dbConns}
}

func TestSequentialPlanChainsOneStagePerRule(t *testing.T) {
	request := &domain.ScanRequest{RuleIDs: []string{"r1", "r2", "r3"}}
	plan := sequentialPlan(request)
	require.Len(t, plan.Stages, 3)
	require.Empty(t, plan.Stages[0].Dependencies)
	for i := 1; i < len(plan.Stages); i++ {
		require.Equal(t, []string{plan.Stages[i-1].ID}, plan.Stages[i].Dependencies)
	}
}

func TestParallelPlanSingleRuleProducesOneStageOfSizeOne(t *testing.T) {
	request := &domain.ScanRequest{RuleIDs: []string{"r1"}}
	plan := parallelPlan(request, ruleSetRequirement(50, 10))
	require.Len(t, plan.Stages, 1)
	require.Equal(t, domain.StageParallel, plan.Stages[0].Mode)
	require.Equal(t, []string{"r1"}, plan.Stages[0].Rules)
}

func TestParallelPlanBatchSizeRespectsCpuAndDbBounds(t *testing.T) {
	rules := []string{"r1", "r2", "r3", "r4", "r5", "r6"}
	request := &domain.ScanRequest{RuleIDs: rules}
	// floor(cpuPct/5)=4, dbConnections=2 -> batch size min(6,4,2)=2
	plan := parallelPlan(request, ruleSetRequirement(20, 2))
	require.Len(t, plan.Stages, 3)
	for _, st := range plan.Stages {
		require.LessOrEqual(t, len(st.Rules), 2)
	}
}

func TestAdaptivePlanPreservesAllRuleIdsExactlyOnce(t *testing.T) {
	rules := []string{"etl:r1", "etl:r2", "etl:r3", "etl:r4", "etl:r5", "complex:r6", "misc:r7"}
	request := &domain.ScanRequest{RuleIDs: rules}
	plan := adaptivePlan(request, ruleSetRequirement(50, 10))

	seen := map[string]int{}
	for _, st := range plan.Stages {
		for _, r := range st.Rules {
			seen[r]++
		}
	}
	require.Len(t, seen, len(rules))
	for _, r := range rules {
		require.Equal(t, 1, seen[r], "rule %s should appear exactly once", r)
	}
}

func TestAdaptivePlanSmallOrComplexGroupsAreSequential(t *testing.T) {
	request := &domain.ScanRequest{RuleIDs: []string{"complex:r1", "complex:r2"}}
	plan := adaptivePlan(request, ruleSetRequirement(50, 10))
	for _, st := range plan.Stages {
		require.Equal(t, domain.StageSequential, st.Mode)
	}
}

func TestIntelligentPlanFallsBackToAdaptiveWithoutEstimator(t *testing.T) {
	request := &domain.ScanRequest{RuleIDs: []string{"r1", "r2"}}
	plan := buildPlan(context.Background(), domain.PlanIntelligent, request, ruleSetRequirement(50, 10), nil)
	require.NotEmpty(t, plan.Stages)
}

func TestIntelligentPlanUsesEstimatorHintWhenPresent(t *testing.T) {
	request := &domain.ScanRequest{RuleIDs: []string{"r1", "r2", "r3", "r4"}}
	hint := &domain.ResourceRequirement{CPUPct: 50, DBConnections: 1}
	plan := buildPlan(context.Background(), domain.PlanIntelligent, request, ruleSetRequirement(5, 10), fakeEstimator{hint: hint})
	require.NotEmpty(t, plan.Stages)
}

func TestPriorityBoostedPlanBoostsCriticalRequests(t *testing.T) {
	request := &domain.ScanRequest{RuleIDs: []string{"r1", "r2", "r3", "r4", "r5"}, Priority: domain.PriorityCritical}
	plan := priorityBoostedPlan(request, ruleSetRequirement(10, 2))
	require.NotEmpty(t, plan.Stages)
	// boosted: floor(15/5)=3, dbConnections=3 -> batches of 3 -> 2 stages
	// (unboosted would be batches of 2 -> 3 stages)
	require.Len(t, plan.Stages, 2)
}

func TestResourceTightenedPlanNeverDropsDbConnectionsBelowOne(t *testing.T) {
	request := &domain.ScanRequest{RuleIDs: []string{"r1", "r2"}}
	plan := resourceTightenedPlan(request, ruleSetRequirement(10, 1))
	require.NotEmpty(t, plan.Stages)
}

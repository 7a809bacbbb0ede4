package orchestrator

import (
	"context"
	"math"

	"github.com/seiforesti/scancore/internal/domain"
	"github.com/seiforesti/scancore/internal/ids"
	"github.com/seiforesti/scancore/internal/ports"
)

// buildPlan constructs an ExecutionPlan per the request's ExecutionPlanStrategy
// (§4.1). Intelligent falls back to Adaptive when the estimator/advisor
// offers nothing usable (§9 Open Questions: absence of advisor output is
// not an error).
func buildPlan(ctx context.Context, strategy domain.ExecutionPlanStrategy, request *domain.ScanRequest, req domain.ResourceRequirement, estimator ports.EstimatorSvc) domain.ExecutionPlan {
	switch strategy {
	case domain.PlanSequential:
		return sequentialPlan(request)
	case domain.PlanParallel:
		return parallelPlan(request, req)
	case domain.PlanAdaptive:
		return adaptivePlan(request, req)
	case domain.PlanIntelligent:
		if plan, ok := intelligentPlan(ctx, request, estimator); ok {
			return plan
		}
		return adaptivePlan(request, req)
	case domain.PlanPriorityBased:
		return priorityBoostedPlan(request, req)
	case domain.PlanResourceOptimized:
		return resourceTightenedPlan(request, req)
	default:
		return adaptivePlan(request, req)
	}
}

// sequentialPlan puts one stage per rule, each depending on the previous.
func sequentialPlan(request *domain.ScanRequest) domain.ExecutionPlan {
	stages := make([]domain.Stage, 0, len(request.RuleIDs))
	var prev string
	for _, rule := range request.RuleIDs {
		st := domain.Stage{
			ID:                       ids.New("stage"),
			Mode:                     domain.StageSequential,
			Rules:                    []string{rule},
			MaxConcurrency:           1,
			EstimatedDurationMinutes: float64(request.TimeoutMs) / 60000,
		}
		if prev != "" {
			st.Dependencies = []string{prev}
		}
		stages = append(stages, st)
		prev = st.ID
	}
	return domain.ExecutionPlan{Stages: stages}
}

// parallelBatchSize is the size formula shared by Parallel/Adaptive/
// PriorityBased/ResourceOptimized: min(|rules|, floor(cpuPct/5), dbConnections).
func parallelBatchSize(ruleCount int, req domain.ResourceRequirement) int {
	size := ruleCount
	if cpuBound := int(math.Floor(req.CPUPct / 5)); cpuBound < size {
		size = cpuBound
	}
	if dbBound := int(req.DBConnections); dbBound < size && dbBound > 0 {
		size = dbBound
	}
	if size < 1 {
		size = 1
	}
	return size
}

// parallelPlan batches rules into stages of parallelBatchSize, stages
// sequential, rules within a stage parallel.
func parallelPlan(request *domain.ScanRequest, req domain.ResourceRequirement) domain.ExecutionPlan {
	return batchIntoStages(request.RuleIDs, parallelBatchSize(len(request.RuleIDs), req))
}

func batchIntoStages(rules []string, batchSize int) domain.ExecutionPlan {
	var stages []domain.Stage
	var prev string
	for i := 0; i < len(rules); i += batchSize {
		end := i + batchSize
		if end > len(rules) {
			end = len(rules)
		}
		batch := rules[i:end]
		st := domain.Stage{
			ID: ids.New("stage"),
			// A size-1 batch keeps Mode Parallel (§8: "|rules| = 1 with
			// Parallel strategy → plan has exactly one Parallel stage of
			// size 1, semantically equal to Sequential"); runStage's
			// Parallel path with a single rule already executes identically
			// to Sequential, so no special-casing is needed here.
			Mode:           domain.StageParallel,
			Rules:          append([]string(nil), batch...),
			MaxConcurrency: len(batch),
		}
		if prev != "" {
			st.Dependencies = []string{prev}
		}
		stages = append(stages, st)
		prev = st.ID
	}
	return domain.ExecutionPlan{Stages: stages}
}

// ruleGroup is an internal classification used by Adaptive's grouping,
// inferred from a rule id's "kind:id" prefix convention: the kind is the
// text before the first ':' ("complex:..." marks the complex kind), and ids
// without a ':' group under "default".
type ruleGroup struct {
	kind  string
	rules []string
}

func groupRules(ruleIDs []string) []ruleGroup {
	order := make([]string, 0)
	byKind := make(map[string][]string)
	for _, r := range ruleIDs {
		kind := ruleKind(r)
		if _, seen := byKind[kind]; !seen {
			order = append(order, kind)
		}
		byKind[kind] = append(byKind[kind], r)
	}
	groups := make([]ruleGroup, 0, len(order))
	for _, kind := range order {
		groups = append(groups, ruleGroup{kind: kind, rules: byKind[kind]})
	}
	return groups
}

func ruleKind(ruleID string) string {
	for i, c := range ruleID {
		if c == ':' {
			return ruleID[:i]
		}
	}
	return "default"
}

// adaptivePlan groups rules by kind/complexity; a group of ≤3 rules or a
// "complex" kind becomes a sequential stage; otherwise a parallel stage
// sized per parallelBatchSize (§4.1).
func adaptivePlan(request *domain.ScanRequest, req domain.ResourceRequirement) domain.ExecutionPlan {
	groups := groupRules(request.RuleIDs)
	var stages []domain.Stage
	var prev string
	for _, g := range groups {
		if len(g.rules) <= 3 || g.kind == "complex" {
			for _, rule := range g.rules {
				st := domain.Stage{ID: ids.New("stage"), Mode: domain.StageSequential, Rules: []string{rule}, MaxConcurrency: 1}
				if prev != "" {
					st.Dependencies = []string{prev}
				}
				stages = append(stages, st)
				prev = st.ID
			}
			continue
		}
		batch := batchIntoStages(g.rules, parallelBatchSize(len(g.rules), req))
		for i := range batch.Stages {
			if prev != "" && len(batch.Stages[i].Dependencies) == 0 {
				batch.Stages[i].Dependencies = []string{prev}
			}
			stages = append(stages, batch.Stages[i])
			prev = batch.Stages[i].ID
		}
	}
	return domain.ExecutionPlan{Stages: stages}
}

// intelligentPlan consults the estimator/advisor; ok is false when no
// usable hint is returned, signalling the Adaptive fallback.
func intelligentPlan(ctx context.Context, request *domain.ScanRequest, estimator ports.EstimatorSvc) (domain.ExecutionPlan, bool) {
	if estimator == nil {
		return domain.ExecutionPlan{}, false
	}
	hint, err := estimator.EstimateResources(ctx, request)
	if err != nil || hint == nil {
		return domain.ExecutionPlan{}, false
	}
	return adaptivePlan(request, *hint), true
}

// priorityBoostedPlan is Adaptive with a concurrency boost for urgent
// requests (§4.1: "equivalent to Adaptive with priority boosts").
func priorityBoostedPlan(request *domain.ScanRequest, req domain.ResourceRequirement) domain.ExecutionPlan {
	boosted := req
	if request.Priority == domain.PriorityCritical || request.Priority == domain.PriorityHigh {
		boosted.CPUPct *= 1.5
		boosted.DBConnections *= 1.5
	}
	return adaptivePlan(request, boosted)
}

// resourceTightenedPlan is Adaptive with concurrency tightened to the
// current resource posture (§4.1: "resource-tightened concurrency").
func resourceTightenedPlan(request *domain.ScanRequest, req domain.ResourceRequirement) domain.ExecutionPlan {
	tightened := req
	tightened.CPUPct *= 0.7
	tightened.DBConnections *= 0.7
	if tightened.DBConnections < 1 {
		tightened.DBConnections = 1
	}
	return adaptivePlan(request, tightened)
}

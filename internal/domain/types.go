// Package domain holds the entities shared by the orchestrator, scheduler
// and workflow engine: requests, resource bookkeeping, execution plans and
// their runtime state, schedules, and declarative workflows.
package domain

import "time"

// Priority orders admission and scheduling decisions. Lower numeric value
// means more urgent; PriorityValue below returns that numeric weight.
type Priority string

const (
	PriorityCritical   Priority = "Critical"
	PriorityHigh       Priority = "High"
	PriorityNormal     Priority = "Normal"
	PriorityLow        Priority = "Low"
	PriorityBackground Priority = "Background"
)

// PriorityValue returns the min-heap weight for p: Critical sorts first.
func PriorityValue(p Priority) int {
	switch p {
	case PriorityCritical:
		return 1
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 4
	case PriorityBackground:
		return 5
	default:
		return 3
	}
}

type ScanType string

const (
	ScanFull        ScanType = "full"
	ScanDeep        ScanType = "deep"
	ScanIncremental ScanType = "incremental"
)

// ScanRequest is the unit of work submitted to the Orchestrator, directly or
// via the Scheduler/WorkflowEngine. It is immutable once admitted.
type ScanRequest struct {
	ID            string
	DataSourceID  string
	ScanType      ScanType
	RuleIDs       []string
	Priority      Priority
	TimeoutMs     int64
	MaxAttempts   int
	Params        map[string]any
	Tags          map[string]struct{}
	CreatedBy     string
	CreatedAt     time.Time
	ScheduledTime *time.Time
	Cron          string
	Dependencies  map[string]struct{} // schedule ids
}

// Validate enforces the invariants of §3: non-empty rule set, a priority,
// createdAt no later than scheduledTime, and at most one of
// {scheduledTime, cron} set.
func (r *ScanRequest) Validate() error {
	if len(r.RuleIDs) == 0 {
		return NewError(KindInvalidRequest, "scan request must reference at least one rule")
	}
	if r.Priority == "" {
		return NewError(KindInvalidRequest, "scan request must set a priority")
	}
	if r.ScheduledTime != nil && r.CreatedAt.After(*r.ScheduledTime) {
		return NewError(KindInvalidRequest, "createdAt must not be after scheduledTime")
	}
	if r.ScheduledTime != nil && r.Cron != "" {
		return NewError(KindInvalidRequest, "at most one of scheduledTime or cron may be set")
	}
	return nil
}

// ResourceKind names one of the pool's bounded resource counters.
type ResourceKind string

const (
	ResourceCPU           ResourceKind = "cpuPct"
	ResourceMemory        ResourceKind = "memoryMB"
	ResourceStorage       ResourceKind = "storageMB"
	ResourceNetwork       ResourceKind = "networkMbps"
	ResourceDBConns       ResourceKind = "dbConnections"
	ResourceAPIRate       ResourceKind = "apiRate"
)

// AllResourceKinds enumerates the pool's accounted resource dimensions, in a
// stable order used whenever the pool is scanned or reported.
var AllResourceKinds = []ResourceKind{
	ResourceCPU, ResourceMemory, ResourceStorage, ResourceNetwork, ResourceDBConns, ResourceAPIRate,
}

// ResourceRequirement is the estimated footprint of running a request,
// derived by the estimator before admission (§4.1).
type ResourceRequirement struct {
	CPUPct                   float64
	MemoryMB                 float64
	StorageMB                float64
	NetworkMbps              float64
	DBConnections            float64
	APIRate                  float64
	Complexity               float64
	EstimatedDurationMinutes float64
}

// AsMap exposes the requirement indexed by ResourceKind, for pool bookkeeping.
func (r ResourceRequirement) AsMap() map[ResourceKind]float64 {
	return map[ResourceKind]float64{
		ResourceCPU:     r.CPUPct,
		ResourceMemory:  r.MemoryMB,
		ResourceStorage: r.StorageMB,
		ResourceNetwork: r.NetworkMbps,
		ResourceDBConns: r.DBConnections,
		ResourceAPIRate: r.APIRate,
	}
}

// ResourceAllocation is the record of resources actually reserved for a
// request while it executes.
type ResourceAllocation struct {
	RequestID   string
	Requirement ResourceRequirement
	Priority    Priority
	AllocatedAt time.Time
	ExpiresAt   time.Time
}

type StageMode string

const (
	StageSequential StageMode = "Sequential"
	StageParallel   StageMode = "Parallel"
)

// Stage is a contiguous unit of plan work: a set of rules run either
// sequentially or fanned out up to MaxConcurrency.
type Stage struct {
	ID                       string
	Mode                     StageMode
	Rules                    []string
	MaxConcurrency           int
	EstimatedDurationMinutes float64
	Dependencies             []string
}

// ExecutionPlan is the ordered, immutable set of Stages built at admission.
type ExecutionPlan struct {
	Stages []Stage
}

type ExecutionStatus string

const (
	ExecPending      ExecutionStatus = "Pending"
	ExecInitializing ExecutionStatus = "Initializing"
	ExecRunning      ExecutionStatus = "Running"
	ExecCompleted    ExecutionStatus = "Completed"
	ExecFailed       ExecutionStatus = "Failed"
	ExecCancelled    ExecutionStatus = "Cancelled"
)

// IsTerminal reports whether s is one of {Completed, Failed, Cancelled}.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

// RuleResult is the per-rule outcome recorded within a StageResult.
type RuleResult struct {
	RuleID   string
	Output   any
	Err      error
	Critical bool
}

// StageResult captures the outcome of one executed stage, rules in the
// plan's declared order regardless of completion order within a Parallel
// stage (§5 ordering guarantees).
type StageResult struct {
	StageID   string
	Rules     []RuleResult
	StartedAt time.Time
	EndedAt   time.Time
	Retried   bool
}

// Execution is the runtime state of an admitted ScanRequest.
type Execution struct {
	ID           string
	Request      *ScanRequest
	Plan         *ExecutionPlan
	Status       ExecutionStatus
	WorkerID     string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Progress     float64
	CurrentStep  string
	StageResults []StageResult
	Err          error
	Attempts     int
}

// SchedulingStrategy selects the placement algorithm the Scheduler uses to
// compute a Schedule's due time (§4.2).
type SchedulingStrategy string

const (
	StrategyImmediate       SchedulingStrategy = "Immediate"
	StrategyOptimalTime     SchedulingStrategy = "OptimalTime"
	StrategyResourceBased   SchedulingStrategy = "ResourceBased"
	StrategyDependencyAware SchedulingStrategy = "DependencyAware"
	StrategyPredictive      SchedulingStrategy = "Predictive"
	StrategyAdaptive        SchedulingStrategy = "Adaptive"
	StrategyBusinessHours   SchedulingStrategy = "BusinessHours"
	StrategyOffPeak         SchedulingStrategy = "OffPeak"
)

// ExecutionPlanStrategy selects the plan-construction algorithm at admission
// (distinct from SchedulingStrategy, which only decides *when*).
type ExecutionPlanStrategy string

const (
	PlanSequential        ExecutionPlanStrategy = "Sequential"
	PlanParallel          ExecutionPlanStrategy = "Parallel"
	PlanAdaptive          ExecutionPlanStrategy = "Adaptive"
	PlanIntelligent       ExecutionPlanStrategy = "Intelligent"
	PlanPriorityBased     ExecutionPlanStrategy = "PriorityBased"
	PlanResourceOptimized ExecutionPlanStrategy = "ResourceOptimized"
)

type ScheduleStatus string

const (
	SchedulePending     ScheduleStatus = "Pending"
	ScheduleScheduled   ScheduleStatus = "Scheduled"
	ScheduleRunning     ScheduleStatus = "Running"
	ScheduleCompleted   ScheduleStatus = "Completed"
	ScheduleFailed      ScheduleStatus = "Failed"
	ScheduleRescheduled ScheduleStatus = "Rescheduled"
)

// Schedule wraps a ScanRequest with placement metadata owned exclusively by
// the Scheduler.
type Schedule struct {
	ID           string
	Request      *ScanRequest
	Strategy     SchedulingStrategy
	Priority     Priority
	Due          time.Time
	Cron         string
	Dependencies map[string]struct{}
	Status       ScheduleStatus
	Attempts     int
	MaxAttempts  int
	LastRunAt    *time.Time
	NextRunAt    *time.Time
	SubmittedAt  time.Time
}

type WorkflowStatus string

const (
	WorkflowQueued    WorkflowStatus = "Queued"
	WorkflowRunning   WorkflowStatus = "Running"
	WorkflowCompleted WorkflowStatus = "Completed"
	WorkflowFailed    WorkflowStatus = "Failed"
	WorkflowCancelled WorkflowStatus = "Cancelled"
	WorkflowTimedOut  WorkflowStatus = "TimedOut"
)

type WorkflowStageType string

const (
	StageInitialization WorkflowStageType = "Initialization"
	StageValidation     WorkflowStageType = "Validation"
	StageProcessing     WorkflowStageType = "Processing"
	StageAnalysis       WorkflowStageType = "Analysis"
	StageReporting      WorkflowStageType = "Reporting"
	StageApproval       WorkflowStageType = "Approval"
	StageNotification   WorkflowStageType = "Notification"
	StageCleanup        WorkflowStageType = "Cleanup"
	StageCustom         WorkflowStageType = "Custom"
)

type WorkflowStageStatus string

const (
	WSPending   WorkflowStageStatus = "Pending"
	WSRunning   WorkflowStageStatus = "Running"
	WSCompleted WorkflowStageStatus = "Completed"
	WSFailed    WorkflowStageStatus = "Failed"
	WSSkipped   WorkflowStageStatus = "Skipped"
	WSTimedOut  WorkflowStageStatus = "TimedOut"
)

type ConditionOperator string

const (
	OpEquals      ConditionOperator = "Equals"
	OpNotEquals   ConditionOperator = "NotEquals"
	OpGT          ConditionOperator = "GT"
	OpLT          ConditionOperator = "LT"
	OpGE          ConditionOperator = "GE"
	OpLE          ConditionOperator = "LE"
	OpContains    ConditionOperator = "Contains"
	OpNotContains ConditionOperator = "NotContains"
	OpStartsWith  ConditionOperator = "StartsWith"
	OpEndsWith    ConditionOperator = "EndsWith"
	OpRegexMatch  ConditionOperator = "RegexMatch"
	OpInList      ConditionOperator = "InList"
)

// Condition is a (left, operator, right) triple evaluated against a
// workflow's variable map; Left names a variable, Right is a literal.
type Condition struct {
	Left     string
	Operator ConditionOperator
	Right    any
}

type TaskRetryStrategy string

const (
	RetryImmediate          TaskRetryStrategy = "Immediate"
	RetryFixed              TaskRetryStrategy = "Fixed"
	RetryExponentialBackoff TaskRetryStrategy = "ExponentialBackoff"
	RetryJittered           TaskRetryStrategy = "Jittered"
)

// WorkflowTask is one unit of work within a WorkflowStage.
type WorkflowTask struct {
	ID            string
	Type          string // "http", "shell", "scan", ...
	Critical      bool
	RetryStrategy TaskRetryStrategy
	MaxAttempts   int
	Params        map[string]any
}

// WorkflowStage is one declarative stage of a Workflow.
type WorkflowStage struct {
	ID            string
	Order         int
	Type          WorkflowStageType
	Mode          StageMode
	Tasks         []WorkflowTask
	Conditions    []Condition
	TimeoutMs     int64
	RetryAttempts int
	Optional      bool
	Status        WorkflowStageStatus
}

// WorkflowTemplate is the reusable declarative definition instantiated by
// ExecuteWorkflow into a Workflow.
type WorkflowTemplate struct {
	ID      string
	Name    string
	Version int
	Stages  []WorkflowStage
}

// Workflow is a running instance of a WorkflowTemplate.
type Workflow struct {
	ID         string
	TemplateID string
	Params     map[string]any
	Vars       map[string]any
	Status     WorkflowStatus
	Priority   Priority
	CreatedAt  time.Time
	Stages     []WorkflowStage
}

type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "Pending"
	ApprovalApproved ApprovalDecision = "Approved"
	ApprovalRejected ApprovalDecision = "Rejected"
	ApprovalExpired  ApprovalDecision = "Expired"
)

// ApprovalRequest tracks one pending Approval-stage decision.
type ApprovalRequest struct {
	ID               string
	WorkflowID       string
	StageID          string
	WorkflowType     string
	Approvers        []string
	CurrentApprover  string
	Decision         ApprovalDecision
	AutoApprovalScore *float64
	CreatedAt        time.Time
	TimeoutHours     float64
	DecidedAt        *time.Time
	DecidedBy        string
}

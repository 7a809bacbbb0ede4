// Package ports declares the narrow capability interfaces the core
// consumes from external collaborators (§6). Concrete implementations live
// outside this module; the core only ever holds these interfaces.
package ports

import (
	"context"

	"github.com/seiforesti/scancore/internal/domain"
)

// DataSourceMetadata is the shape DataSourceSvc.Metadata returns, used by
// the orchestrator's resource estimator.
type DataSourceMetadata struct {
	EstimatedRows int64
	Tables        []string
	Columns       []string
}

// DataSourceSvc validates data source references and reports metadata used
// for resource estimation.
type DataSourceSvc interface {
	Validate(ctx context.Context, dataSourceID string) (bool, error)
	Metadata(ctx context.Context, dataSourceID string) (DataSourceMetadata, error)
}

// RuleValidation is the result of RuleSvc.Validate.
type RuleValidation struct {
	OK     bool
	Errors []string
}

// RuleSvc validates rule references and executes individual rules.
type RuleSvc interface {
	Validate(ctx context.Context, ruleIDs []string) (RuleValidation, error)
	ExecuteRule(ctx context.Context, ruleID string, request *domain.ScanRequest) (any, error)
}

// EstimatorSvc is an optional advisor returning structured hints; absence
// (a nil EstimatorSvc, or a nil return) means the heuristic applies.
type EstimatorSvc interface {
	EstimateResources(ctx context.Context, request *domain.ScanRequest) (*domain.ResourceRequirement, error)
	EstimateDuration(ctx context.Context, request *domain.ScanRequest) (*float64, error)
}

// RBAC resolves the ordered approver chain for a workflow's approval stages.
type RBAC interface {
	ResolveApprovers(ctx context.Context, workflowType, organizationID string, currentApproverID string) ([]string, error)
}

// MetricsSink and LogSink are the minimal observability capabilities named
// in §6; the core's own otelinit/logging packages are the default
// implementations, but callers may substitute their own.
type MetricsSink interface {
	Emit(name string, labels map[string]string, value float64)
}

type LogSink interface {
	Log(level string, msg string, fields map[string]any)
}

// NotifierSvc delivers Notification-stage messages; notification delivery
// itself is out of scope for the core (§1), so this is a narrow hook.
type NotifierSvc interface {
	Notify(ctx context.Context, channel string, message string) error
}

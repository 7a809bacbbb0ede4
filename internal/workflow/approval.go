package workflow

import (
	"context"
	"time"

	"github.com/seiforesti/scancore/internal/domain"
	"github.com/seiforesti/scancore/internal/ids"
	"github.com/seiforesti/scancore/internal/ports"
)

// defaultApprovalTimeoutHours is used when a template leaves timeoutHours
// unset (§4.3: "timeoutHours (default 72)").
const defaultApprovalTimeoutHours = 72.0


// newApprovalRequest resolves the approver chain via RBAC and builds a
// pending ApprovalRequest for a workflow's Approval stage.
func newApprovalRequest(ctx context.Context, rbac ports.RBAC, workflowID, stageID, workflowType string, timeoutHours float64, autoApprovalScore *float64, now time.Time) (*domain.ApprovalRequest, error) {
	approvers, err := rbac.ResolveApprovers(ctx, workflowType, "", "")
	if err != nil {
		return nil, err
	}
	if timeoutHours <= 0 {
		timeoutHours = defaultApprovalTimeoutHours
	}
	current := ""
	if len(approvers) > 0 {
		current = approvers[0]
	}
	return &domain.ApprovalRequest{
		ID:                ids.New("appr"),
		WorkflowID:        workflowID,
		StageID:           stageID,
		WorkflowType:      workflowType,
		Approvers:         approvers,
		CurrentApprover:   current,
		Decision:          domain.ApprovalPending,
		AutoApprovalScore: autoApprovalScore,
		CreatedAt:         now,
		TimeoutHours:      timeoutHours,
	}, nil
}

// autoApprove reports whether req carries an externally-supplied
// auto-approval score meeting threshold (§9 Open Question: the score is
// accepted as caller-supplied, no scoring heuristic is invented here).
func autoApprove(req *domain.ApprovalRequest, threshold float64) bool {
	return req.AutoApprovalScore != nil && *req.AutoApprovalScore >= threshold
}

// expired reports whether req's timeout has elapsed as of now.
func expired(req *domain.ApprovalRequest, now time.Time) bool {
	deadline := req.CreatedAt.Add(time.Duration(req.TimeoutHours * float64(time.Hour)))
	return now.After(deadline)
}

// escalate advances req.CurrentApprover to the next approver up the role
// hierarchy RBAC resolves for this workflow type (§4.3: "escalate to the
// next approver up a role hierarchy tailored to workflow type"). Returns
// false if there is no further approver to escalate to.
func escalate(ctx context.Context, rbac ports.RBAC, req *domain.ApprovalRequest) (bool, error) {
	chain, err := rbac.ResolveApprovers(ctx, req.WorkflowType, "", req.CurrentApprover)
	if err != nil {
		return false, err
	}
	if len(chain) == 0 {
		return false, nil
	}
	req.Approvers = append(req.Approvers, chain...)
	req.CurrentApprover = chain[0]
	return true, nil
}

// decide applies an Approved/Rejected decision from actor, provided actor
// matches the current approver.
func decide(req *domain.ApprovalRequest, decision domain.ApprovalDecision, actor string, now time.Time) bool {
	if req.Decision != domain.ApprovalPending {
		return false
	}
	if req.CurrentApprover != "" && actor != req.CurrentApprover {
		return false
	}
	req.Decision = decision
	req.DecidedAt = &now
	req.DecidedBy = actor
	return true
}

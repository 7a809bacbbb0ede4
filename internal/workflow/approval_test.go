package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seiforesti/scancore/internal/domain"
)

type fakeRBAC struct {
	chain map[string][]string // currentApproverID -> next approvers
	err   error
}

func (f fakeRBAC) ResolveApprovers(ctx context.Context, workflowType, organizationID, currentApproverID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.chain[currentApproverID], nil
}

func TestNewApprovalRequestResolvesFirstApproverAsCurrent(t *testing.T) {
	rbac := fakeRBAC{chain: map[string][]string{"": {"team-lead", "director"}}}
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	req, err := newApprovalRequest(context.Background(), rbac, "wf-1", "stage-approval", "high-risk-scan", 0, nil, now)
	require.NoError(t, err)
	assert.Equal(t, "team-lead", req.CurrentApprover)
	assert.Equal(t, domain.ApprovalPending, req.Decision)
	assert.Equal(t, defaultApprovalTimeoutHours, req.TimeoutHours)
}

func TestNewApprovalRequestHonorsExplicitTimeout(t *testing.T) {
	rbac := fakeRBAC{chain: map[string][]string{"": {"team-lead"}}}
	req, err := newApprovalRequest(context.Background(), rbac, "wf-1", "stage-1", "type", 12, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 12.0, req.TimeoutHours)
}

func TestAutoApproveRequiresScoreAtOrAboveThreshold(t *testing.T) {
	below := 0.5
	atThreshold := 0.9
	req := &domain.ApprovalRequest{AutoApprovalScore: &below}
	assert.False(t, autoApprove(req, 0.9))

	req.AutoApprovalScore = &atThreshold
	assert.True(t, autoApprove(req, 0.9))
}

func TestAutoApproveFalseWithoutScore(t *testing.T) {
	req := &domain.ApprovalRequest{}
	assert.False(t, autoApprove(req, 0.1))
}

func TestExpiredReportsPastDeadline(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	req := &domain.ApprovalRequest{CreatedAt: created, TimeoutHours: 1}
	assert.False(t, expired(req, created.Add(30*time.Minute)))
	assert.True(t, expired(req, created.Add(2*time.Hour)))
}

func TestEscalateAdvancesToNextApprover(t *testing.T) {
	rbac := fakeRBAC{chain: map[string][]string{"team-lead": {"director"}}}
	req := &domain.ApprovalRequest{CurrentApprover: "team-lead", Approvers: []string{"team-lead"}}

	ok, err := escalate(context.Background(), rbac, req)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "director", req.CurrentApprover)
	assert.Contains(t, req.Approvers, "director")
}

func TestEscalateReturnsFalseAtTopOfHierarchy(t *testing.T) {
	rbac := fakeRBAC{chain: map[string][]string{"director": {}}}
	req := &domain.ApprovalRequest{CurrentApprover: "director"}

	ok, err := escalate(context.Background(), rbac, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecideAppliesDecisionFromCurrentApprover(t *testing.T) {
	req := &domain.ApprovalRequest{CurrentApprover: "team-lead", Decision: domain.ApprovalPending}
	now := time.Now()

	ok := decide(req, domain.ApprovalApproved, "team-lead", now)
	assert.True(t, ok)
	assert.Equal(t, domain.ApprovalApproved, req.Decision)
	assert.Equal(t, "team-lead", req.DecidedBy)
}

func TestDecideRejectsWrongApprover(t *testing.T) {
	req := &domain.ApprovalRequest{CurrentApprover: "team-lead", Decision: domain.ApprovalPending}
	ok := decide(req, domain.ApprovalApproved, "someone-else", time.Now())
	assert.False(t, ok)
	assert.Equal(t, domain.ApprovalPending, req.Decision)
}

func TestDecideRejectsAlreadyDecidedRequest(t *testing.T) {
	req := &domain.ApprovalRequest{CurrentApprover: "team-lead", Decision: domain.ApprovalApproved}
	ok := decide(req, domain.ApprovalRejected, "team-lead", time.Now())
	assert.False(t, ok)
}

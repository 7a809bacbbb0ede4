package workflow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seiforesti/scancore/internal/clockwork"
	"github.com/seiforesti/scancore/internal/config"
	"github.com/seiforesti/scancore/internal/domain"
	"github.com/seiforesti/scancore/internal/storage"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(ctx context.Context, channel, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, channel+":"+message)
	return nil
}

func testEngine(t *testing.T, rbac fakeRBAC, notifier *fakeNotifier) (*Engine, *clockwork.Fake) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "wf.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := clockwork.NewFake(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	cfg := &config.Config{ApprovalTimeoutHours: 1, AutoApprovalThreshold: 0.9, WorkflowTimeoutHours: 24}
	e := New(cfg, store, clock, rbac, notifier, nil, nil, nil)
	return e, clock
}

func waitForWorkflowTerminal(t *testing.T, e *Engine, workflowID string, timeout time.Duration) *domain.Workflow {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e.mu.RLock()
		wf, ok := e.workflows[workflowID]
		e.mu.RUnlock()
		if ok {
			switch wf.Status {
			case domain.WorkflowCompleted, domain.WorkflowFailed, domain.WorkflowCancelled, domain.WorkflowTimedOut:
				return wf
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal state within %s", workflowID, timeout)
	return nil
}

func TestCreateTemplateRejectsEmptyStages(t *testing.T) {
	e, _ := testEngine(t, fakeRBAC{}, &fakeNotifier{})
	_, errs, err := e.CreateTemplate(context.Background(), &domain.WorkflowTemplate{Name: "empty"})
	require.NoError(t, err)
	assert.NotEmpty(t, errs)
}

func TestCreateTemplateRejectsDuplicateStageIDs(t *testing.T) {
	e, _ := testEngine(t, fakeRBAC{}, &fakeNotifier{})
	tmpl := &domain.WorkflowTemplate{
		Name: "dup",
		Stages: []domain.WorkflowStage{
			{ID: "s1", Type: domain.StageInitialization},
			{ID: "s1", Type: domain.StageCleanup},
		},
	}
	_, errs, err := e.CreateTemplate(context.Background(), tmpl)
	require.NoError(t, err)
	assert.NotEmpty(t, errs)
}

func TestCreateTemplateAcceptsValidTemplate(t *testing.T) {
	e, _ := testEngine(t, fakeRBAC{}, &fakeNotifier{})
	tmpl := &domain.WorkflowTemplate{
		Name: "valid",
		Stages: []domain.WorkflowStage{
			{ID: "init", Type: domain.StageInitialization},
			{ID: "cleanup", Type: domain.StageCleanup},
		},
	}
	id, errs, err := e.CreateTemplate(context.Background(), tmpl)
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.NotEmpty(t, id)
}

func TestExecuteWorkflowRunsShellTasksToCompletion(t *testing.T) {
	e, _ := testEngine(t, fakeRBAC{}, &fakeNotifier{})
	tmpl := &domain.WorkflowTemplate{
		Name: "shell-flow",
		Stages: []domain.WorkflowStage{
			{ID: "init", Type: domain.StageInitialization},
			{
				ID:   "proc",
				Type: domain.StageProcessing,
				Tasks: []domain.WorkflowTask{
					{ID: "echo", Type: "shell", Critical: true, MaxAttempts: 1, Params: map[string]any{"command": "echo hi"}},
				},
			},
		},
	}
	tmplID, errs, err := e.CreateTemplate(context.Background(), tmpl)
	require.NoError(t, err)
	require.Empty(t, errs)

	wfID, err := e.ExecuteWorkflow(context.Background(), tmplID, map[string]any{"target": "ds-1"})
	require.NoError(t, err)

	wf := waitForWorkflowTerminal(t, e, wfID, 3*time.Second)
	assert.Equal(t, domain.WorkflowCompleted, wf.Status)
}

func TestExecuteWorkflowFailsOnCriticalTaskFailure(t *testing.T) {
	e, _ := testEngine(t, fakeRBAC{}, &fakeNotifier{})
	tmpl := &domain.WorkflowTemplate{
		Name: "fail-flow",
		Stages: []domain.WorkflowStage{
			{
				ID:   "proc",
				Type: domain.StageProcessing,
				Tasks: []domain.WorkflowTask{
					{ID: "bad", Type: "shell", Critical: true, MaxAttempts: 1, Params: map[string]any{"command": "exit 1"}},
				},
			},
		},
	}
	tmplID, _, err := e.CreateTemplate(context.Background(), tmpl)
	require.NoError(t, err)

	wfID, err := e.ExecuteWorkflow(context.Background(), tmplID, nil)
	require.NoError(t, err)

	wf := waitForWorkflowTerminal(t, e, wfID, 3*time.Second)
	assert.Equal(t, domain.WorkflowFailed, wf.Status)
}

func TestExecuteWorkflowSkipsStageWhenConditionFalse(t *testing.T) {
	e, _ := testEngine(t, fakeRBAC{}, &fakeNotifier{})
	tmpl := &domain.WorkflowTemplate{
		Name: "conditional-flow",
		Stages: []domain.WorkflowStage{
			{
				ID:   "maybe",
				Type: domain.StageProcessing,
				Conditions: []domain.Condition{
					{Left: "run_it", Operator: domain.OpEquals, Right: true},
				},
				Tasks: []domain.WorkflowTask{
					{ID: "bad", Type: "shell", Critical: true, MaxAttempts: 1, Params: map[string]any{"command": "exit 1"}},
				},
			},
		},
	}
	tmplID, _, err := e.CreateTemplate(context.Background(), tmpl)
	require.NoError(t, err)

	wfID, err := e.ExecuteWorkflow(context.Background(), tmplID, map[string]any{"run_it": false})
	require.NoError(t, err)

	wf := waitForWorkflowTerminal(t, e, wfID, 3*time.Second)
	assert.Equal(t, domain.WorkflowCompleted, wf.Status)
	assert.Equal(t, domain.WSSkipped, wf.Stages[0].Status)
}

func TestApprovalStageAutoApprovesAboveThreshold(t *testing.T) {
	e, _ := testEngine(t, fakeRBAC{chain: map[string][]string{"": {"team-lead"}}}, &fakeNotifier{})
	tmpl := &domain.WorkflowTemplate{
		Name: "approval-flow",
		Stages: []domain.WorkflowStage{
			{ID: "approve", Type: domain.StageApproval},
		},
	}
	tmplID, _, err := e.CreateTemplate(context.Background(), tmpl)
	require.NoError(t, err)

	wfID, err := e.ExecuteWorkflow(context.Background(), tmplID, map[string]any{"autoApprovalScore": 0.95})
	require.NoError(t, err)

	wf := waitForWorkflowTerminal(t, e, wfID, 3*time.Second)
	assert.Equal(t, domain.WorkflowCompleted, wf.Status)
}

func TestApproveAppliesManualApprovalDecision(t *testing.T) {
	e, clock := testEngine(t, fakeRBAC{chain: map[string][]string{"": {"team-lead"}}}, &fakeNotifier{})
	tmpl := &domain.WorkflowTemplate{
		Name: "manual-approval",
		Stages: []domain.WorkflowStage{
			{ID: "approve", Type: domain.StageApproval},
		},
	}
	tmplID, _, err := e.CreateTemplate(context.Background(), tmpl)
	require.NoError(t, err)

	_, err = e.ExecuteWorkflow(context.Background(), tmplID, nil)
	require.NoError(t, err)

	var approvalID string
	require.Eventually(t, func() bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		for id := range e.approvals {
			approvalID = id
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)

	err = e.Approve(context.Background(), approvalID, domain.ApprovalApproved, "team-lead")
	require.NoError(t, err)
	_ = clock
}

func TestSweepTimeoutsMarksExceededWorkflowsTimedOut(t *testing.T) {
	e, clock := testEngine(t, fakeRBAC{}, &fakeNotifier{})
	wf := &domain.Workflow{ID: "wf-stuck", Status: domain.WorkflowRunning, CreatedAt: clock.Now()}
	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()

	clock.Advance(25 * time.Hour)
	e.sweepTimeouts(24 * time.Hour)

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Equal(t, domain.WorkflowTimedOut, e.workflows["wf-stuck"].Status)
}

func TestCancelWorkflowRejectsAlreadyTerminalWorkflow(t *testing.T) {
	e, _ := testEngine(t, fakeRBAC{}, &fakeNotifier{})
	wf := &domain.Workflow{ID: "wf-done", Status: domain.WorkflowCompleted}
	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()

	err := e.CancelWorkflow("wf-done")
	assert.Error(t, err)
}

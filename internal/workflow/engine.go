package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/seiforesti/scancore/internal/clockwork"
	"github.com/seiforesti/scancore/internal/config"
	"github.com/seiforesti/scancore/internal/domain"
	"github.com/seiforesti/scancore/internal/ids"
	"github.com/seiforesti/scancore/internal/ports"
	"github.com/seiforesti/scancore/internal/storage"
)

// Engine owns workflows, templates and approvals exclusively
// (§3 ownership); the orchestrator and scheduler are referenced by id only.
type Engine struct {
	cfg      *config.Config
	clock    clockwork.Clock
	store    *storage.Store
	rbac     ports.RBAC
	notifier ports.NotifierSvc
	registry *Registry

	mu        sync.RWMutex
	workflows map[string]*domain.Workflow
	templates map[string]*domain.WorkflowTemplate
	approvals map[string]*domain.ApprovalRequest

	queuedTotal    metric.Int64Counter
	completedTotal metric.Int64Counter
	failedTotal    metric.Int64Counter
	tracer         trace.Tracer
	log            *slog.Logger
}

// New constructs an Engine. meter and log may be nil.
func New(cfg *config.Config, store *storage.Store, clock clockwork.Clock, rbac ports.RBAC, notifier ports.NotifierSvc, submitScan ScanSubmitFunc, meter metric.Meter, log *slog.Logger) *Engine {
	if clock == nil {
		clock = clockwork.System{}
	}
	if log == nil {
		log = slog.Default()
	}
	var queued, completed, failed metric.Int64Counter
	if meter != nil {
		queued, _ = meter.Int64Counter("scancore_workflow_queued_total")
		completed, _ = meter.Int64Counter("scancore_workflow_completed_total")
		failed, _ = meter.Int64Counter("scancore_workflow_failed_total")
	}
	return &Engine{
		cfg:            cfg,
		clock:          clock,
		store:          store,
		rbac:           rbac,
		notifier:       notifier,
		registry:       NewRegistry(submitScan),
		workflows:      make(map[string]*domain.Workflow),
		templates:      make(map[string]*domain.WorkflowTemplate),
		approvals:      make(map[string]*domain.ApprovalRequest),
		queuedTotal:    queued,
		completedTotal: completed,
		failedTotal:    failed,
		tracer:         otel.Tracer("scancore-workflow"),
		log:            log,
	}
}

// CreateTemplate validates a template's structure and persists it,
// returning validation errors rather than a templateId on failure (§4.3).
func (e *Engine) CreateTemplate(ctx context.Context, tmpl *domain.WorkflowTemplate) (string, []string, error) {
	if errs := validateTemplate(tmpl); len(errs) > 0 {
		return "", errs, nil
	}
	if tmpl.ID == "" {
		tmpl.ID = ids.New("tmpl")
	}
	e.mu.Lock()
	e.templates[tmpl.ID] = tmpl
	e.mu.Unlock()
	if err := e.store.PutTemplate(tmpl); err != nil {
		return "", nil, fmt.Errorf("persist template: %w", err)
	}
	return tmpl.ID, nil, nil
}

// validateTemplate checks structural invariants: at least one stage, unique
// stage ids, a recognized WorkflowStageType per stage.
func validateTemplate(tmpl *domain.WorkflowTemplate) []string {
	var errs []string
	if tmpl == nil {
		return []string{"template is nil"}
	}
	if tmpl.Name == "" {
		errs = append(errs, "template name is required")
	}
	if len(tmpl.Stages) == 0 {
		errs = append(errs, "template must declare at least one stage")
	}
	seen := map[string]bool{}
	for _, st := range tmpl.Stages {
		if st.ID == "" {
			errs = append(errs, "every stage requires an id")
			continue
		}
		if seen[st.ID] {
			errs = append(errs, fmt.Sprintf("duplicate stage id: %s", st.ID))
		}
		seen[st.ID] = true
		if !validStageType(st.Type) {
			errs = append(errs, fmt.Sprintf("stage %s: unrecognized stage type %q", st.ID, st.Type))
		}
	}
	return errs
}

func validStageType(t domain.WorkflowStageType) bool {
	switch t {
	case domain.StageInitialization, domain.StageValidation, domain.StageProcessing,
		domain.StageAnalysis, domain.StageReporting, domain.StageApproval,
		domain.StageNotification, domain.StageCleanup, domain.StageCustom:
		return true
	default:
		return false
	}
}

// ExecuteWorkflow instantiates templateID with params and queues it for
// execution, returning its workflow id (§4.3).
func (e *Engine) ExecuteWorkflow(ctx context.Context, templateID string, params map[string]any) (string, error) {
	e.mu.RLock()
	tmpl, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		stored, found, err := e.store.GetTemplate(templateID)
		if err != nil {
			return "", fmt.Errorf("load template: %w", err)
		}
		if !found {
			return "", domain.NewError(domain.KindInvalidRequest, "unknown template: "+templateID)
		}
		tmpl = stored
	}

	wf := &domain.Workflow{
		ID:         ids.New("wf"),
		TemplateID: templateID,
		Params:     params,
		Vars:       map[string]any{},
		Status:     domain.WorkflowQueued,
		Priority:   domain.PriorityNormal,
		CreatedAt:  e.clock.Now(),
		Stages:     append([]domain.WorkflowStage(nil), tmpl.Stages...),
	}
	for k, v := range params {
		wf.Vars[k] = v
	}

	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()
	if err := e.store.PutWorkflow(wf); err != nil {
		return "", fmt.Errorf("persist workflow: %w", err)
	}
	if e.queuedTotal != nil {
		e.queuedTotal.Add(ctx, 1)
	}

	go e.run(context.Background(), wf)
	return wf.ID, nil
}

// run drives a workflow's stages in declared order, dispatching per §4.3's
// stage-type table and respecting each stage's conditions/optionality.
func (e *Engine) run(ctx context.Context, wf *domain.Workflow) {
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(attribute.String("workflow_id", wf.ID)))
	defer span.End()

	e.setStatus(wf, domain.WorkflowRunning)

	for i := range wf.Stages {
		if e.isCancelled(wf.ID) {
			e.setStatus(wf, domain.WorkflowCancelled)
			return
		}
		stage := &wf.Stages[i]
		ok, err := evaluateConditions(stage.Conditions, wf.Vars)
		if err != nil {
			e.log.Warn("stage condition evaluation failed", "workflow_id", wf.ID, "stage_id", stage.ID, "error", err)
			stage.Status = domain.WSFailed
			e.persist(wf)
			if !stage.Optional {
				e.setStatus(wf, domain.WorkflowFailed)
				return
			}
			continue
		}
		if !ok {
			stage.Status = domain.WSSkipped
			e.persist(wf)
			continue
		}

		stage.Status = domain.WSRunning
		e.persist(wf)

		stageErr := e.runStage(ctx, wf, stage)
		if stageErr != nil {
			stage.Status = domain.WSFailed
			e.persist(wf)
			if !stage.Optional {
				e.setStatus(wf, domain.WorkflowFailed)
				if e.failedTotal != nil {
					e.failedTotal.Add(ctx, 1)
				}
				return
			}
			continue
		}
		stage.Status = domain.WSCompleted
		e.persist(wf)
	}

	e.setStatus(wf, domain.WorkflowCompleted)
	if e.completedTotal != nil {
		e.completedTotal.Add(ctx, 1)
	}
}

// runStage dispatches one stage by its WorkflowStageType (§4.3 table).
func (e *Engine) runStage(ctx context.Context, wf *domain.Workflow, stage *domain.WorkflowStage) error {
	switch stage.Type {
	case domain.StageInitialization:
		return e.runInitialization(wf, stage)
	case domain.StageValidation:
		return e.runTasksFailFast(ctx, wf, stage)
	case domain.StageProcessing, domain.StageCustom:
		return e.runTasksFailFast(ctx, wf, stage)
	case domain.StageAnalysis:
		return e.runTasksFailFast(ctx, wf, stage)
	case domain.StageReporting:
		if err := e.runTasksFailFast(ctx, wf, stage); err != nil {
			return err
		}
		return e.notify(ctx, "reporting", fmt.Sprintf("stage %s reporting complete", stage.ID))
	case domain.StageApproval:
		return e.runApproval(ctx, wf, stage)
	case domain.StageNotification:
		return e.runNotification(ctx, wf, stage)
	case domain.StageCleanup:
		return e.runCleanup(ctx, wf, stage)
	default:
		return fmt.Errorf("unhandled stage type: %s", stage.Type)
	}
}

// runInitialization seeds vars from the stage's task params (without
// overwriting existing vars) and records the init timestamp — the only
// stage type with no task execution. It does not validate params.
func (e *Engine) runInitialization(wf *domain.Workflow, stage *domain.WorkflowStage) error {
	for _, task := range stage.Tasks {
		for k, v := range task.Params {
			if _, exists := wf.Vars[k]; !exists {
				wf.Vars[k] = v
			}
		}
	}
	wf.Vars["_initializedAt"] = e.clock.Now().Format(time.RFC3339)
	return nil
}

// runTasksFailFast executes tasks in order; the first Critical task failure
// fails the stage (Processing/Validation/Analysis/Custom semantics, §4.3).
func (e *Engine) runTasksFailFast(ctx context.Context, wf *domain.Workflow, stage *domain.WorkflowStage) error {
	for _, task := range stage.Tasks {
		result, err := e.runTaskWithRetry(ctx, task, wf.Vars)
		if err != nil {
			if task.Critical {
				return fmt.Errorf("critical task %s failed: %w", task.ID, err)
			}
			continue
		}
		wf.Vars[task.ID] = map[string]any(result)
	}
	return nil
}

// runTaskWithRetry retries a failing task per its RetryStrategy up to
// MaxAttempts (§4.3).
func (e *Engine) runTaskWithRetry(ctx context.Context, task domain.WorkflowTask, vars map[string]any) (TaskResult, error) {
	maxAttempts := task.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := e.registry.Execute(ctx, task, vars)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			delay := backoffDelay(task.RetryStrategy, attempt, defaultRetryBase)
			if delay > 0 {
				if err := e.clock.Sleep(ctx, delay); err != nil {
					return nil, err
				}
			}
		}
	}
	return nil, lastErr
}

// runApproval emits an approval request and waits cooperatively until a
// decision or timeout, escalating on timeout (§4.3).
func (e *Engine) runApproval(ctx context.Context, wf *domain.Workflow, stage *domain.WorkflowStage) error {
	timeoutHours := e.cfg.ApprovalTimeoutHours
	var autoScore *float64
	if v, ok := wf.Vars["autoApprovalScore"].(float64); ok {
		autoScore = &v
	}
	req, err := newApprovalRequest(ctx, e.rbac, wf.ID, stage.ID, wf.TemplateID, timeoutHours, autoScore, e.clock.Now())
	if err != nil {
		return fmt.Errorf("resolve approvers: %w", err)
	}
	if autoApprove(req, e.cfg.AutoApprovalThreshold) {
		req.Decision = domain.ApprovalApproved
		now := e.clock.Now()
		req.DecidedAt = &now
		req.DecidedBy = "auto-approval"
	}

	e.mu.Lock()
	e.approvals[req.ID] = req
	e.mu.Unlock()
	if err := e.store.PutApproval(req); err != nil {
		return fmt.Errorf("persist approval: %w", err)
	}

	if req.Decision == domain.ApprovalApproved {
		return nil
	}

	for {
		if req.Decision == domain.ApprovalApproved {
			return nil
		}
		if req.Decision == domain.ApprovalRejected {
			return fmt.Errorf("approval %s rejected by %s", req.ID, req.DecidedBy)
		}
		if expired(req, e.clock.Now()) {
			ok, escErr := escalate(ctx, e.rbac, req)
			if escErr != nil {
				return fmt.Errorf("escalation failed: %w", escErr)
			}
			if !ok {
				req.Decision = domain.ApprovalExpired
				_ = e.store.PutApproval(req)
				return fmt.Errorf("approval %s expired with no further escalation", req.ID)
			}
			req.CreatedAt = e.clock.Now()
			_ = e.store.PutApproval(req)
		}
		if err := e.clock.Sleep(ctx, time.Minute); err != nil {
			return err
		}
	}
}

// Approve records a decision on a pending approval (§4.3's Approve op).
func (e *Engine) Approve(ctx context.Context, approvalID string, decision domain.ApprovalDecision, actor string) error {
	e.mu.Lock()
	req, ok := e.approvals[approvalID]
	e.mu.Unlock()
	if !ok {
		stored, found, err := e.store.GetApproval(approvalID)
		if err != nil {
			return fmt.Errorf("load approval: %w", err)
		}
		if !found {
			return domain.NewError(domain.KindInvalidRequest, "unknown approval: "+approvalID)
		}
		req = stored
		e.mu.Lock()
		e.approvals[approvalID] = req
		e.mu.Unlock()
	}
	if !decide(req, decision, actor, e.clock.Now()) {
		return domain.NewError(domain.KindInvalidRequest, "approval already decided or wrong approver")
	}
	return e.store.PutApproval(req)
}

func (e *Engine) runNotification(ctx context.Context, wf *domain.Workflow, stage *domain.WorkflowStage) error {
	for _, task := range stage.Tasks {
		channel, _ := task.Params["channel"].(string)
		message, _ := task.Params["message"].(string)
		if err := e.notify(ctx, channel, resolveTemplate(message, wf.Vars)); err != nil && task.Critical {
			return err
		}
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, channel, message string) error {
	if e.notifier == nil {
		return nil
	}
	return e.notifier.Notify(ctx, channel, message)
}

func (e *Engine) runCleanup(ctx context.Context, wf *domain.Workflow, stage *domain.WorkflowStage) error {
	return e.runTasksFailFast(ctx, wf, stage)
}

// CancelWorkflow marks wf cancelled; the run loop observes it at the next
// stage boundary.
func (e *Engine) CancelWorkflow(workflowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		return domain.NewError(domain.KindInvalidRequest, "unknown workflow: "+workflowID)
	}
	if wf.Status == domain.WorkflowCompleted || wf.Status == domain.WorkflowFailed || wf.Status == domain.WorkflowCancelled {
		return domain.NewError(domain.KindInvalidRequest, "workflow already terminal: "+workflowID)
	}
	wf.Status = domain.WorkflowCancelled
	return e.store.PutWorkflow(wf)
}

func (e *Engine) isCancelled(workflowID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[workflowID]
	return ok && wf.Status == domain.WorkflowCancelled
}

func (e *Engine) setStatus(wf *domain.Workflow, status domain.WorkflowStatus) {
	e.mu.Lock()
	wf.Status = status
	e.mu.Unlock()
	e.persist(wf)
}

func (e *Engine) persist(wf *domain.Workflow) {
	if err := e.store.PutWorkflow(wf); err != nil {
		e.log.Warn("persist workflow failed", "workflow_id", wf.ID, "error", err)
	}
}

// RunTimeoutSweeper periodically marks workflows exceeding their hard cap
// (default 24h) as TimedOut, persists them and counts them as failed (§4's
// "Workflow timeouts"). Timed-out workflows are not added to any failure
// buffer.
func (e *Engine) RunTimeoutSweeper(ctx context.Context) {
	limit := time.Duration(e.cfg.WorkflowTimeoutHours * float64(time.Hour))
	if limit <= 0 {
		limit = 24 * time.Hour
	}
	interval := time.Hour
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(interval):
			e.sweepTimeouts(limit)
		}
	}
}

func (e *Engine) sweepTimeouts(limit time.Duration) {
	now := e.clock.Now()
	e.mu.RLock()
	var timedOut []*domain.Workflow
	for _, wf := range e.workflows {
		if wf.Status == domain.WorkflowRunning || wf.Status == domain.WorkflowQueued {
			if now.Sub(wf.CreatedAt) > limit {
				timedOut = append(timedOut, wf)
			}
		}
	}
	e.mu.RUnlock()

	for _, wf := range timedOut {
		e.mu.Lock()
		wf.Status = domain.WorkflowTimedOut
		e.mu.Unlock()
		_ = e.store.PutWorkflow(wf)
		if e.failedTotal != nil {
			e.failedTotal.Add(context.Background(), 1)
		}
	}
}

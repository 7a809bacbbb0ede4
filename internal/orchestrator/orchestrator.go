// Package orchestrator is the single authority for what runs now within the
// bounded resource pool (spec §4.1). It admits or queues ScanRequests,
// builds an ExecutionPlan per strategy, executes it staged, and reports
// status. Grounded on services/orchestrator/dag_engine.go's worker-pool
// coordinator, generalized from fixed HTTP/python tasks to staged rule
// execution, and on cancellation.go's tracking manager.
package orchestrator

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
	"github.com/seiforesti/scancore/internal/eventbus"
	"github.com/seiforesti/scancore/internal/ids"
	"github.com/seiforesti/scancore/internal/ports"
	"github.com/seiforesti/scancore/internal/queue"
	"github.com/seiforesti/scancore/internal/resilience"
	"github.com/seiforesti/scancore/internal/storage"
)

// recoveryDelay is the fixed pause before the one-time Sequential recovery
// attempt after a stage failure (§4.1 stage execution, point 3).
const recoveryDelay = 5 * time.Second

// Status is the public snapshot returned by Status/ActiveExecutions/Stream.
type Status struct {
	ExecutionID  string
	State        domain.ExecutionStatus
	Progress     float64
	CurrentStep  string
	StageResults []domain.StageResult
	Err          error
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Metrics is the aggregate counters/gauges snapshot (§8).
type Metrics struct {
	Submitted int64
	Completed int64
	Failed    int64
	Cancelled int64
	Active    int
	QueueLen  int
	Util      map[domain.ResourceKind]float64
}

// Orchestrator owns activeExecutions, allocatedResources, queue and metrics
// exclusively (§3 ownership); Scheduler and WorkflowEngine never reach in
// directly, only via Submit/Cancel/Status.
type Orchestrator struct {
	cfg   *config.Config
	clock clockwork.Clock
	store *storage.Store
	pool  *pool
	q     *queue.Bounded

	dsSvc     ports.DataSourceSvc
	ruleSvc   ports.RuleSvc
	estimator ports.EstimatorSvc
	bus       *eventbus.Bus

	execMu sync.RWMutex // execution table's own critical section (§5)
	execs  map[string]*domain.Execution

	cancelMgr *cancellationManager

	streamMu sync.Mutex
	streams  map[string][]chan Status

	// apiLimiter backs the apiRate resource kind: a rule dispatch that would
	// exceed the pool's configured external call budget is rejected before
	// ever reaching RuleSvc. ruleBreakers trips per rule ID so one
	// persistently failing rule stops being dispatched instead of burning
	// retries against a downstream that is already down.
	apiLimiter   *resilience.RateLimiter
	breakerMu    sync.Mutex
	ruleBreakers map[string]*resilience.CircuitBreaker

	submittedTotal metric.Int64Counter
	completedTotal metric.Int64Counter
	failedTotal    metric.Int64Counter
	cancelledTotal metric.Int64Counter
	tracer         trace.Tracer
	log            *slog.Logger
}

// New constructs an Orchestrator. meter and bus may be nil.
func New(cfg *config.Config, store *storage.Store, clock clockwork.Clock, dsSvc ports.DataSourceSvc, ruleSvc ports.RuleSvc, estimator ports.EstimatorSvc, bus *eventbus.Bus, meter metric.Meter, log *slog.Logger) *Orchestrator {
	if clock == nil {
		clock = clockwork.System{}
	}
	if log == nil {
		log = slog.Default()
	}
	var submitted, completed, failed, cancelled metric.Int64Counter
	if meter != nil {
		submitted, _ = meter.Int64Counter("scancore_orchestrator_submitted_total")
		completed, _ = meter.Int64Counter("scancore_orchestrator_completed_total")
		failed, _ = meter.Int64Counter("scancore_orchestrator_failed_total")
		cancelled, _ = meter.Int64Counter("scancore_orchestrator_cancelled_total")
	}
	var apiLimiter *resilience.RateLimiter
	if cfg.PoolAPIRate > 0 {
		apiLimiter = resilience.NewRateLimiter(int64(cfg.PoolAPIRate), cfg.PoolAPIRate, time.Second, int64(cfg.PoolAPIRate))
	}
	return &Orchestrator{
		cfg:            cfg,
		clock:          clock,
		store:          store,
		pool:           newPool(cfg.PoolCapacities(), cfg.SafetyMargin),
		q:              queue.NewBounded(cfg.MaxQueueSize),
		dsSvc:          dsSvc,
		ruleSvc:        ruleSvc,
		estimator:      estimator,
		bus:            bus,
		execs:          make(map[string]*domain.Execution),
		cancelMgr:      newCancellationManager(meter),
		streams:        make(map[string][]chan Status),
		apiLimiter:     apiLimiter,
		ruleBreakers:   make(map[string]*resilience.CircuitBreaker),
		submittedTotal: submitted,
		completedTotal: completed,
		failedTotal:    failed,
		cancelledTotal: cancelled,
		tracer:         otel.Tracer("scancore-orchestrator"),
		log:            log,
	}
}

// breakerFor returns the per-rule circuit breaker, creating one on first use.
func (o *Orchestrator) breakerFor(ruleID string) *resilience.CircuitBreaker {
	o.breakerMu.Lock()
	defer o.breakerMu.Unlock()
	b, ok := o.ruleBreakers[ruleID]
	if !ok {
		b = resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 5, 0.5, 30*time.Second, 1)
		o.ruleBreakers[ruleID] = b
	}
	return b
}

// Submit runs the 5-step admission algorithm (§4.1). On resource shortage
// the request is placed on the bounded admission queue with status Pending;
// on queue saturation it fails with KindQueueFull (§5 back-pressure).
func (o *Orchestrator) Submit(ctx context.Context, request *domain.ScanRequest, planStrategy domain.ExecutionPlanStrategy) (string, domain.ExecutionStatus, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit")
	defer span.End()

	// Step 1: validate.
	if err := request.Validate(); err != nil {
		return "", "", domain.Wrap(domain.KindInvalidRequest, "invalid scan request", err)
	}
	ok, err := o.dsSvc.Validate(ctx, request.DataSourceID)
	if err != nil {
		return "", "", domain.Wrap(domain.KindInvalidRequest, "data source validation failed", err)
	}
	if !ok {
		return "", "", domain.NewError(domain.KindInvalidRequest, fmt.Sprintf("unknown data source: %s", request.DataSourceID))
	}
	validation, err := o.ruleSvc.Validate(ctx, request.RuleIDs)
	if err != nil {
		return "", "", domain.Wrap(domain.KindInvalidRequest, "rule validation failed", err)
	}
	if !validation.OK {
		return "", "", domain.NewError(domain.KindInvalidRequest, fmt.Sprintf("invalid rules: %v", validation.Errors))
	}

	// Step 2: derive ResourceRequirement.
	meta, err := o.dsSvc.Metadata(ctx, request.DataSourceID)
	if err != nil {
		return "", "", domain.Wrap(domain.KindInvalidRequest, "data source metadata failed", err)
	}
	req, err := estimateResources(ctx, request, meta, o.estimator)
	if err != nil {
		return "", "", err
	}

	execID := ids.New("exec")
	now := o.clock.Now()
	exec := &domain.Execution{
		ID:      execID,
		Request: request,
		Status:  domain.ExecPending,
	}

	// Step 3: check allocation fits.
	if !o.pool.fits(req) {
		if err := o.q.TryEnqueue(execID); err != nil {
			return "", "", err
		}
		o.execMu.Lock()
		o.execs[execID] = exec
		o.execMu.Unlock()
		if err := o.store.PutExecution(exec); err != nil {
			o.log.Warn("persist queued execution failed", "execution_id", execID, "error", err)
		}
		o.publish(ctx, eventbus.EventSubmitted, execID, string(domain.ExecPending), "queued: resource shortage")
		if o.submittedTotal != nil {
			o.submittedTotal.Add(ctx, 1)
		}
		return execID, domain.ExecPending, nil
	}

	// Step 4: allocate atomically, transition Pending -> Initializing.
	ttl := time.Duration(req.EstimatedDurationMinutes*2) * time.Minute
	if _, ok := o.pool.tryAllocate(execID, req, request.Priority, now, ttl); !ok {
		// Lost the race to a concurrent allocation; fall back to queueing.
		if err := o.q.TryEnqueue(execID); err != nil {
			return "", "", err
		}
		o.execMu.Lock()
		o.execs[execID] = exec
		o.execMu.Unlock()
		return execID, domain.ExecPending, nil
	}
	exec.Status = domain.ExecInitializing
	o.execMu.Lock()
	o.execs[execID] = exec
	o.execMu.Unlock()
	if err := o.store.PutExecution(exec); err != nil {
		o.log.Warn("persist execution failed", "execution_id", execID, "error", err)
	}
	if o.submittedTotal != nil {
		o.submittedTotal.Add(ctx, 1)
	}
	o.publish(ctx, eventbus.EventAdmitted, execID, string(domain.ExecInitializing), "")

	// Step 5: build plan, release to a worker.
	plan := buildPlan(ctx, planStrategy, request, req, o.estimator)
	exec.Plan = &plan

	execCtx, cancel := context.WithCancel(context.Background())
	o.cancelMgr.register(execID, cancel, func() { o.pool.release(execID) })

	go o.runExecution(execCtx, exec)

	return execID, domain.ExecInitializing, nil
}

// publish best-effort publishes a lifecycle event; bus may be nil.
func (o *Orchestrator) publish(ctx context.Context, kind eventbus.EventKind, execID, status, detail string) {
	if o.bus == nil {
		return
	}
	_ = o.bus.Publish(ctx, eventbus.Event{Kind: kind, ExecutionID: execID, Status: status, At: o.clock.Now(), Detail: detail})
}

// runExecution drives the Running state: stage-by-stage rule dispatch with
// the exact progress checkpoints of §4.1, honoring cooperative cancellation
// at every suspension point.
func (o *Orchestrator) runExecution(ctx context.Context, exec *domain.Execution) {
	defer o.cancelMgr.complete(exec.ID)

	now := o.clock.Now()
	o.execMu.Lock()
	exec.Status = domain.ExecRunning
	exec.StartedAt = &now
	o.execMu.Unlock()
	o.setProgress(ctx, exec, 0.1, "validating connection")

	if o.observeCancellation(ctx, exec) {
		return
	}
	o.setProgress(ctx, exec, 0.2, "preparing rules")

	if exec.Plan == nil || len(exec.Plan.Stages) == 0 {
		o.finish(ctx, exec, domain.ExecCompleted, nil)
		return
	}

	checkpoints := []float64{0.4, 0.6, 0.8}
	for i, stage := range exec.Plan.Stages {
		if o.observeCancellation(ctx, exec) {
			return
		}
		result := o.runStage(ctx, exec, stage)
		o.recordStageResult(exec, result)

		if i < len(checkpoints) {
			o.setProgress(ctx, exec, checkpoints[i], fmt.Sprintf("stage %s complete", stage.ID))
		}

		if stageFailed(result) {
			// One-time Sequential recovery attempt per failed stage (§4.1
			// point 3): each stage that fails gets its own recovery attempt,
			// independent of whether an earlier stage already recovered.
			// Only a failed recovery aborts the remaining stages.
			if o.retrySequential(ctx, exec, stage, &result) {
				continue
			}
			o.finish(ctx, exec, domain.ExecFailed, domain.NewError(domain.KindStageFailure, "stage failed after recovery"))
			return
		}
	}

	o.setProgress(ctx, exec, 0.9, "processing results")
	if o.observeCancellation(ctx, exec) {
		return
	}
	o.finish(ctx, exec, domain.ExecCompleted, nil)
}

// retrySequential re-runs a failed stage once, in Sequential mode, after a
// fixed delay (§4.1 point 3). Returns true if the retry succeeded.
func (o *Orchestrator) retrySequential(ctx context.Context, exec *domain.Execution, stage domain.Stage, result *domain.StageResult) bool {
	if err := o.clock.Sleep(ctx, recoveryDelay); err != nil {
		return false
	}
	retryStage := stage
	retryStage.Mode = domain.StageSequential
	retryResult := o.runStage(ctx, exec, retryStage)
	retryResult.Retried = true
	o.recordStageResult(exec, retryResult)
	*result = retryResult
	return !stageFailed(retryResult)
}

// runStage executes one stage's rules, Sequential or Parallel per mode,
// preserving the plan's declared rule order in the result regardless of
// completion order (§5 ordering guarantees).
func (o *Orchestrator) runStage(ctx context.Context, exec *domain.Execution, stage domain.Stage) domain.StageResult {
	result := domain.StageResult{StageID: stage.ID, StartedAt: o.clock.Now(), Rules: make([]domain.RuleResult, len(stage.Rules))}

	if stage.Mode == domain.StageSequential {
		for i, ruleID := range stage.Rules {
			if o.cancelMgr.isFlagged(exec.ID) {
				result.Rules[i] = domain.RuleResult{RuleID: ruleID, Err: domain.NewError(domain.KindCancelled, "cancelled before dispatch")}
				continue
			}
			result.Rules[i] = o.dispatchRule(ctx, exec, ruleID)
		}
		result.EndedAt = o.clock.Now()
		return result
	}

	maxConcurrency := stage.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for i, ruleID := range stage.Rules {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, ruleID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if o.cancelMgr.isFlagged(exec.ID) {
				result.Rules[i] = domain.RuleResult{RuleID: ruleID, Err: domain.NewError(domain.KindCancelled, "cancelled before dispatch")}
				return
			}
			result.Rules[i] = o.dispatchRule(ctx, exec, ruleID)
		}(i, ruleID)
	}
	wg.Wait()
	result.EndedAt = o.clock.Now()
	return result
}

// dispatchRule invokes RuleSvc.ExecuteRule for one rule; a per-rule failure
// does not cancel sibling rules within the same stage (§4.1 failure
// semantics), it is simply recorded.
func (o *Orchestrator) dispatchRule(ctx context.Context, exec *domain.Execution, ruleID string) domain.RuleResult {
	if o.apiLimiter != nil && !o.apiLimiter.Allow() {
		return domain.RuleResult{RuleID: ruleID, Err: domain.NewError(domain.KindResourceShortage, "apiRate budget exhausted"), Critical: true}
	}
	breaker := o.breakerFor(ruleID)
	if !breaker.Allow() {
		return domain.RuleResult{RuleID: ruleID, Err: domain.NewError(domain.KindRuleExecutionError, "circuit open for rule "+ruleID), Critical: true}
	}
	attempts := exec.Request.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	out, err := resilience.Retry(ctx, attempts, time.Second, func() (any, error) {
		return o.ruleSvc.ExecuteRule(ctx, ruleID, exec.Request)
	})
	breaker.RecordResult(err == nil)
	if err != nil {
		return domain.RuleResult{RuleID: ruleID, Err: domain.Wrap(domain.KindRuleExecutionError, "rule execution failed", err), Critical: true}
	}
	return domain.RuleResult{RuleID: ruleID, Output: out}
}

// stageFailed reports whether any rule within the stage failed, making the
// whole stage a candidate for the one-time recovery attempt (§4.1).
func stageFailed(result domain.StageResult) bool {
	for _, r := range result.Rules {
		if r.Err != nil && r.Critical {
			return true
		}
	}
	return false
}

func (o *Orchestrator) recordStageResult(exec *domain.Execution, result domain.StageResult) {
	o.execMu.Lock()
	exec.StageResults = append(exec.StageResults, result)
	o.execMu.Unlock()
}

// setProgress advances Progress monotonically and persists + publishes the
// transition, matching the §4.1 checkpoints (0.1/0.2/0.4/0.6/0.8/0.9/1.0).
func (o *Orchestrator) setProgress(ctx context.Context, exec *domain.Execution, progress float64, step string) {
	o.execMu.Lock()
	if progress > exec.Progress {
		exec.Progress = progress
	}
	exec.CurrentStep = step
	snapshot := *exec
	o.execMu.Unlock()

	if err := o.store.PutExecution(&snapshot); err != nil {
		o.log.Warn("persist execution progress failed", "execution_id", exec.ID, "error", err)
	}
	o.publishStatus(snapshot)
}

// observeCancellation is called at every suspension point the orchestrator
// drives directly (§5); when the flag is set it finalizes the execution as
// Cancelled and releases the allocation immediately (within-process, so
// well under the 60-second bound the cancellation manager also enforces).
func (o *Orchestrator) observeCancellation(ctx context.Context, exec *domain.Execution) bool {
	if !o.cancelMgr.isFlagged(exec.ID) {
		return false
	}
	o.finish(ctx, exec, domain.ExecCancelled, domain.NewError(domain.KindCancelled, "execution cancelled"))
	return true
}

func (o *Orchestrator) finish(ctx context.Context, exec *domain.Execution, status domain.ExecutionStatus, errVal error) {
	now := o.clock.Now()
	o.pool.release(exec.ID)

	o.execMu.Lock()
	exec.Status = status
	exec.CompletedAt = &now
	exec.Err = errVal
	if status == domain.ExecCompleted {
		exec.Progress = 1.0
	}
	snapshot := *exec
	o.execMu.Unlock()

	if err := o.store.PutExecution(&snapshot); err != nil {
		o.log.Warn("persist terminal execution failed", "execution_id", exec.ID, "error", err)
	}

	switch status {
	case domain.ExecCompleted:
		if o.completedTotal != nil {
			o.completedTotal.Add(ctx, 1)
		}
	case domain.ExecFailed:
		if o.failedTotal != nil {
			o.failedTotal.Add(ctx, 1)
		}
		_, _ = o.store.AppendAudit("execution_failed", "orchestrator", exec.ID, map[string]string{"error": fmt.Sprint(errVal)})
	case domain.ExecCancelled:
		if o.cancelledTotal != nil {
			o.cancelledTotal.Add(ctx, 1)
		}
	}

	o.publish(ctx, eventbus.EventTerminal, exec.ID, string(status), fmt.Sprint(errVal))
	o.publishStatus(snapshot)
	o.closeStream(exec.ID)
	o.admitNextQueued(ctx)
}

// admitNextQueued pulls the oldest queued execution id and retries
// admission now that a slot may have freed. Best-effort: errors are logged,
// not propagated, since there is no caller left to report to.
func (o *Orchestrator) admitNextQueued(ctx context.Context) {
	id, ok := o.q.Dequeue()
	if !ok {
		return
	}
	o.execMu.RLock()
	exec, exists := o.execs[id]
	o.execMu.RUnlock()
	if !exists || exec.Status != domain.ExecPending {
		return
	}
	meta, err := o.dsSvc.Metadata(ctx, exec.Request.DataSourceID)
	if err != nil {
		o.log.Warn("admit queued execution: metadata failed", "execution_id", id, "error", err)
		return
	}
	req, err := estimateResources(ctx, exec.Request, meta, o.estimator)
	if err != nil {
		o.log.Warn("admit queued execution: estimate failed", "execution_id", id, "error", err)
		return
	}
	if !o.pool.fits(req) {
		_ = o.q.TryEnqueue(id) // still doesn't fit, put back at the tail
		return
	}
	now := o.clock.Now()
	ttl := time.Duration(req.EstimatedDurationMinutes*2) * time.Minute
	if _, ok := o.pool.tryAllocate(id, req, exec.Request.Priority, now, ttl); !ok {
		_ = o.q.TryEnqueue(id)
		return
	}

	o.execMu.Lock()
	exec.Status = domain.ExecInitializing
	o.execMu.Unlock()

	plan := buildPlan(ctx, domain.PlanAdaptive, exec.Request, req, o.estimator)
	exec.Plan = &plan

	execCtx, cancel := context.WithCancel(context.Background())
	o.cancelMgr.register(id, cancel, func() { o.pool.release(id) })
	go o.runExecution(execCtx, exec)
}

// Cancel signals a running execution to stop at the next cooperative
// suspension point; a still-queued execution is removed immediately (§4.1).
func (o *Orchestrator) Cancel(ctx context.Context, executionID string, reason string) error {
	o.execMu.Lock()
	exec, ok := o.execs[executionID]
	if !ok {
		o.execMu.Unlock()
		return domain.NewError(domain.KindInvalidRequest, "unknown execution: "+executionID)
	}
	if exec.Status.IsTerminal() {
		o.execMu.Unlock()
		return domain.NewError(domain.KindInvalidRequest, "execution already terminal: "+executionID)
	}
	if exec.Status == domain.ExecPending {
		o.q.Remove(executionID)
		now := o.clock.Now()
		exec.Status = domain.ExecCancelled
		exec.CompletedAt = &now
		exec.Err = domain.NewError(domain.KindCancelled, reason)
		snapshot := *exec
		o.execMu.Unlock()
		_ = o.store.PutExecution(&snapshot)
		if o.cancelledTotal != nil {
			o.cancelledTotal.Add(ctx, 1)
		}
		o.publishStatus(snapshot)
		o.closeStream(executionID)
		return nil
	}
	o.execMu.Unlock()
	return o.cancelMgr.cancel(ctx, executionID, reason)
}

// Status returns a snapshot of one execution.
func (o *Orchestrator) Status(executionID string) (Status, bool) {
	o.execMu.RLock()
	defer o.execMu.RUnlock()
	exec, ok := o.execs[executionID]
	if !ok {
		return Status{}, false
	}
	return toStatus(exec), true
}

// ActiveExecutions lists up to limit non-terminal executions.
func (o *Orchestrator) ActiveExecutions(limit int) []Status {
	o.execMu.RLock()
	defer o.execMu.RUnlock()
	out := make([]Status, 0, len(o.execs))
	for _, exec := range o.execs {
		if exec.Status.IsTerminal() {
			continue
		}
		out = append(out, toStatus(exec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func toStatus(exec *domain.Execution) Status {
	return Status{
		ExecutionID:  exec.ID,
		State:        exec.Status,
		Progress:     exec.Progress,
		CurrentStep:  exec.CurrentStep,
		StageResults: append([]domain.StageResult(nil), exec.StageResults...),
		Err:          exec.Err,
		StartedAt:    exec.StartedAt,
		CompletedAt:  exec.CompletedAt,
	}
}

// Metrics reports the aggregate counters/gauges (§8), computed from the
// execution table; queue length stays ≤ maxQueueSize. Active counts every
// non-terminal execution, queued ones included. Admission is bounded by the
// resource pool only: the number of running executions is not capped at
// maxConcurrentScans.
func (o *Orchestrator) Metrics() Metrics {
	o.execMu.RLock()
	active := 0
	var submitted, completed, failed, cancelled int64
	for _, exec := range o.execs {
		submitted++
		switch exec.Status {
		case domain.ExecCompleted:
			completed++
		case domain.ExecFailed:
			failed++
		case domain.ExecCancelled:
			cancelled++
		default:
			active++
		}
	}
	o.execMu.RUnlock()
	return Metrics{
		Submitted: submitted,
		Completed: completed,
		Failed:    failed,
		Cancelled: cancelled,
		Active:    active,
		QueueLen:  o.q.Len(),
		Util:      o.pool.utilization(),
	}
}

// Stream returns a channel of progress events for executionID until a
// terminal state is observed; not restartable from history (§4.1).
func (o *Orchestrator) Stream(ctx context.Context, executionID string) (<-chan Status, error) {
	o.execMu.RLock()
	exec, ok := o.execs[executionID]
	if !ok {
		o.execMu.RUnlock()
		return nil, domain.NewError(domain.KindInvalidRequest, "unknown execution: "+executionID)
	}
	already := toStatus(exec)
	o.execMu.RUnlock()

	ch := make(chan Status, 16)
	o.streamMu.Lock()
	o.streams[executionID] = append(o.streams[executionID], ch)
	o.streamMu.Unlock()

	ch <- already
	if already.State.IsTerminal() {
		o.closeStream(executionID)
	}

	go func() {
		<-ctx.Done()
		o.removeStream(executionID, ch)
	}()
	return ch, nil
}

func (o *Orchestrator) publishStatus(exec domain.Execution) {
	o.streamMu.Lock()
	chans := o.streams[exec.ID]
	o.streamMu.Unlock()
	st := toStatus(&exec)
	for _, ch := range chans {
		select {
		case ch <- st:
		default:
		}
	}
}

func (o *Orchestrator) closeStream(executionID string) {
	o.streamMu.Lock()
	defer o.streamMu.Unlock()
	for _, ch := range o.streams[executionID] {
		close(ch)
	}
	delete(o.streams, executionID)
}

func (o *Orchestrator) removeStream(executionID string, target chan Status) {
	o.streamMu.Lock()
	defer o.streamMu.Unlock()
	chans := o.streams[executionID]
	for i, ch := range chans {
		if ch == target {
			o.streams[executionID] = append(chans[:i], chans[i+1:]...)
			return
		}
	}
}

// RunSweeper runs the periodic resource sweeper (§5: default 30 s) that
// releases expired allocations and transitions their executions to
// Cancelled with error=AllocationExpired — the sole self-healing mechanism
// for leaked allocations.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	interval := o.cfg.ResourceMonitoringInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.clock.After(interval):
			o.sweepOnce(ctx)
		}
	}
}

func (o *Orchestrator) sweepOnce(ctx context.Context) {
	released := o.pool.sweepExpired(o.clock.Now())
	for _, id := range released {
		o.execMu.Lock()
		exec, ok := o.execs[id]
		if ok && !exec.Status.IsTerminal() {
			now := o.clock.Now()
			exec.Status = domain.ExecCancelled
			exec.CompletedAt = &now
			exec.Err = domain.NewError(domain.KindAllocationExpired, "allocation expired")
		}
		var snapshot domain.Execution
		if ok {
			snapshot = *exec
		}
		o.execMu.Unlock()
		if ok {
			_ = o.store.PutExecution(&snapshot)
			o.cancelMgr.complete(id)
			if o.cancelledTotal != nil {
				o.cancelledTotal.Add(ctx, 1)
			}
			o.publishStatus(snapshot)
			o.closeStream(id)
		}
	}
}

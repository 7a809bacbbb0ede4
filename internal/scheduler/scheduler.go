// Package scheduler decides when each ScanRequest is admitted to the
// orchestrator: placement heuristics per SchedulingStrategy, a starvation-
// aware priority queue, dependency resolution, retry backoff and cron
// recurrence (spec §4.2). Grounded on services/orchestrator/scheduler.go's
// cron.Cron wrapping and bbolt persistence, generalized from a single
// workflow-name key to arbitrary schedule ids with placement strategies.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/seiforesti/scancore/internal/clockwork"
	"github.com/seiforesti/scancore/internal/config"
	"github.com/seiforesti/scancore/internal/domain"
	"github.com/seiforesti/scancore/internal/ids"
	"github.com/seiforesti/scancore/internal/ports"
	"github.com/seiforesti/scancore/internal/queue"
	"github.com/seiforesti/scancore/internal/storage"
)

const (
	retryDelay          = 15 * time.Minute
	dependencyPromote   = 2 * time.Minute
	maxFailedRing       = 500
	maintenanceAvoidEnd = 4 // hour, placement shifts here when it would land in the window
)

// AdmitFunc is how the scheduler hands a ready ScanRequest to the
// orchestrator. Returning a domain.KindQueueFull error causes a short
// requeue rather than a hard failure.
type AdmitFunc func(ctx context.Context, request *domain.ScanRequest) (executionID string, err error)

// Scheduler owns schedules, the priority heap and the dependency graph
// exclusively (§3 ownership rules) — the orchestrator never reaches into
// these directly.
type Scheduler struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	cfg          *config.Config
	store        *storage.Store
	estimator    ports.EstimatorSvc
	admit        AdmitFunc
	q            *queue.PriorityQueue
	schedules    map[string]*domain.Schedule
	pendingDeps  map[string]map[string]struct{} // scheduleID -> unmet dependency ids
	dependents   map[string][]string            // dependency id -> dependent schedule ids
	failedRing   []string
	execSchedule map[string]string // executionID -> scheduleID, for RecordOutcomeForExecution

	cronRunner  *cron.Cron
	cronEntries map[string]cron.EntryID
	cronExprOf  map[string]string

	runsTotal     metric.Int64Counter
	failuresTotal metric.Int64Counter
	retryTotal    metric.Int64Counter
	tracer        trace.Tracer
}

// New constructs a Scheduler. meter may be nil in tests.
func New(cfg *config.Config, store *storage.Store, clock clockwork.Clock, estimator ports.EstimatorSvc, admit AdmitFunc, meter metric.Meter) *Scheduler {
	if clock == nil {
		clock = clockwork.System{}
	}
	var runsTotal, failuresTotal, retryTotal metric.Int64Counter
	if meter != nil {
		runsTotal, _ = meter.Int64Counter("scancore_scheduler_dispatches_total")
		failuresTotal, _ = meter.Int64Counter("scancore_scheduler_failures_total")
		retryTotal, _ = meter.Int64Counter("scancore_scheduler_retries_total")
	}
	return &Scheduler{
		clock:        clock,
		cfg:          cfg,
		store:        store,
		estimator:    estimator,
		admit:        admit,
		q:            queue.NewPriorityQueue(clock.Now),
		schedules:    make(map[string]*domain.Schedule),
		pendingDeps:  make(map[string]map[string]struct{}),
		dependents:   make(map[string][]string),
		execSchedule: make(map[string]string),
		cronRunner:   cron.New(),
		cronEntries:  make(map[string]cron.EntryID),
		cronExprOf:   make(map[string]string),

		runsTotal:     runsTotal,
		failuresTotal: failuresTotal,
		retryTotal:    retryTotal,
		tracer:        otel.Tracer("scancore-scheduler"),
	}
}

// Schedule registers a request under a placement strategy and returns its
// schedule id. If dependencies are unmet, the schedule is held out of the
// queue until they complete (§4.2 dependency resolution).
func (s *Scheduler) Schedule(ctx context.Context, request *domain.ScanRequest, strategy domain.SchedulingStrategy, priority domain.Priority, scheduledTime *time.Time, cronExpr string, dependencies []string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.schedule", trace.WithAttributes(
		attribute.String("strategy", string(strategy)),
	))
	defer span.End()

	if err := request.Validate(); err != nil {
		return "", domain.Wrap(domain.KindInvalidRequest, "invalid scan request", err)
	}

	now := s.clock.Now()
	due := now
	if scheduledTime != nil {
		due = *scheduledTime
	} else if cronExpr == "" {
		due = s.place(ctx, strategy, priority, request, now)
	}

	sch := &domain.Schedule{
		ID:          ids.New("sched"),
		Request:     request,
		Strategy:    strategy,
		Priority:    priority,
		Due:         due,
		Cron:        cronExpr,
		Status:      domain.SchedulePending,
		MaxAttempts: request.MaxAttempts,
		SubmittedAt: now,
	}
	if sch.MaxAttempts <= 0 {
		sch.MaxAttempts = s.cfg.RetryAttempts
	}

	s.mu.Lock()
	s.schedules[sch.ID] = sch
	unmet := map[string]struct{}{}
	for _, dep := range dependencies {
		if d, ok := s.schedules[dep]; !ok || d.Status != domain.ScheduleCompleted {
			unmet[dep] = struct{}{}
			s.dependents[dep] = append(s.dependents[dep], sch.ID)
		}
	}
	sch.Dependencies = unmet
	ready := len(unmet) == 0
	if !ready {
		s.pendingDeps[sch.ID] = unmet
	}
	s.mu.Unlock()

	if err := s.store.PutSchedule(sch); err != nil {
		return "", fmt.Errorf("persist schedule: %w", err)
	}

	if cronExpr != "" {
		if err := s.addCron(sch.ID, cronExpr); err != nil {
			return "", fmt.Errorf("add cron: %w", err)
		}
		return sch.ID, nil
	}

	if ready {
		s.enqueue(sch)
	}
	return sch.ID, nil
}

func (s *Scheduler) enqueue(sch *domain.Schedule) {
	s.mu.Lock()
	sch.Status = domain.ScheduleScheduled
	s.mu.Unlock()
	s.q.Push(sch.ID, sch.Priority, sch.Due, sch.SubmittedAt)
}

// place computes a Schedule's due time per its SchedulingStrategy (§4.2).
func (s *Scheduler) place(ctx context.Context, strategy domain.SchedulingStrategy, priority domain.Priority, request *domain.ScanRequest, now time.Time) time.Time {
	switch strategy {
	case domain.StrategyImmediate:
		return now
	case domain.StrategyBusinessHours:
		return s.placeBusinessHours(priority, now)
	case domain.StrategyOffPeak:
		return s.placeOffPeak(now)
	case domain.StrategyResourceBased:
		return s.placeResourceBased(now)
	case domain.StrategyOptimalTime, domain.StrategyPredictive, domain.StrategyAdaptive, domain.StrategyDependencyAware:
		return s.placeHeuristic(ctx, priority, request, now)
	default:
		return s.placeHeuristic(ctx, priority, request, now)
	}
}

func (s *Scheduler) isBusinessHours(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	h := t.Hour()
	return h >= s.cfg.BusinessHoursStart && h < s.cfg.BusinessHoursEnd
}

func (s *Scheduler) placeBusinessHours(priority domain.Priority, now time.Time) time.Time {
	if s.isBusinessHours(now) {
		if priority == domain.PriorityCritical || priority == domain.PriorityHigh {
			return now.Add(15 * time.Minute)
		}
		return now.Add(time.Hour)
	}
	return nextBusinessDayAt(now, s.cfg.BusinessHoursStart)
}

func nextBusinessDayAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *Scheduler) placeOffPeak(now time.Time) time.Time {
	if !s.isBusinessHours(now) {
		return now.Add(30 * time.Minute)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), s.cfg.BusinessHoursEnd, 0, 0, 0, now.Location())
}

// placeResourceBased scans the next 24 hours in 1-hour steps and picks the
// most suitable slot, per AnalyzeDensity.
func (s *Scheduler) placeResourceBased(now time.Time) time.Time {
	best := now
	bestScore := -1.0
	for step := 0; step < 24; step++ {
		t := now.Add(time.Duration(step) * time.Hour)
		score := s.densityScore(t)
		if score > bestScore {
			bestScore = score
			best = t
		}
	}
	return best
}

// densityScore is the ResourceBased suitability heuristic: queue density at
// the candidate hour (fewer schedules due nearby ⇒ higher score), plus a
// +20 bonus for off-peak hours.
func (s *Scheduler) densityScore(t time.Time) float64 {
	score := 100.0
	for _, it := range s.q.Snapshot() {
		delta := it.Due.Sub(t)
		if delta < 0 {
			delta = -delta
		}
		if delta < time.Hour {
			score -= 10
		}
	}
	if t.Hour() < s.cfg.PeakHoursStart || t.Hour() >= s.cfg.PeakHoursEnd {
		score += 20
	}
	return score
}

// AnalyzeDensity exposes the ResourceBased scan for introspection — a
// supplemented feature (SPEC_FULL.md §3), not part of spec.md's operation
// list.
func (s *Scheduler) AnalyzeDensity(window time.Duration) map[time.Time]float64 {
	now := s.clock.Now()
	steps := int(window / time.Hour)
	if steps <= 0 {
		steps = 1
	}
	out := make(map[time.Time]float64, steps)
	for i := 0; i < steps; i++ {
		t := now.Add(time.Duration(i) * time.Hour)
		out[t] = s.densityScore(t)
	}
	return out
}

// placeHeuristic implements OptimalTime/Predictive/Adaptive/DependencyAware:
// consult the estimator for a delay hint; otherwise apply the documented
// heuristic, then clamp to the floor/ceiling/maintenance-window rules.
func (s *Scheduler) placeHeuristic(ctx context.Context, priority domain.Priority, request *domain.ScanRequest, now time.Time) time.Time {
	delay := s.heuristicDelay(priority, request, now)
	if s.estimator != nil {
		if minutes, err := s.estimator.EstimateDuration(ctx, request); err == nil && minutes != nil {
			delay = time.Duration(*minutes) * time.Minute
		}
	}

	floor := 5 * time.Minute
	if delay < floor {
		delay = floor
	}
	switch priority {
	case domain.PriorityCritical:
		if ceil := 2 * time.Hour; delay > ceil {
			delay = ceil
		}
	case domain.PriorityBackground:
		if min := 4 * time.Hour; delay < min {
			delay = min
		}
	}

	due := now.Add(delay)
	return s.avoidMaintenanceWindow(due)
}

func (s *Scheduler) heuristicDelay(priority domain.Priority, request *domain.ScanRequest, now time.Time) time.Duration {
	delay := 30 * time.Minute

	queueLen := s.q.Len()
	switch {
	case queueLen > 20:
		delay += time.Hour
	case queueLen > 10:
		delay += 30 * time.Minute
	}

	h := now.Hour()
	if h >= s.cfg.PeakHoursStart && h <= s.cfg.PeakHoursEnd {
		delay += 2 * time.Hour
	} else {
		delay -= 30 * time.Minute
	}

	switch n := len(request.RuleIDs); {
	case n > 20:
		delay += time.Hour
	case n < 5:
		delay -= 15 * time.Minute
	}

	if delay < 0 {
		delay = 0
	}
	return delay
}

// avoidMaintenanceWindow shifts a due time landing in [maintenanceStart,
// maintenanceEnd) to the window's end, configurable per config.Config.
func (s *Scheduler) avoidMaintenanceWindow(due time.Time) time.Time {
	h := due.Hour()
	if h >= s.cfg.MaintenanceStart && h < s.cfg.MaintenanceEnd {
		return time.Date(due.Year(), due.Month(), due.Day(), s.cfg.MaintenanceEnd, 0, 0, 0, due.Location())
	}
	return due
}

// Cancel removes a pending or queued schedule. Dispatched (Running)
// schedules are cancelled via the orchestrator's own CancelExecution, not
// here.
func (s *Scheduler) Cancel(scheduleID string) error {
	s.mu.Lock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		s.mu.Unlock()
		return domain.NewError(domain.KindInvalidRequest, "unknown schedule id")
	}
	if sch.Status == domain.ScheduleRunning {
		s.mu.Unlock()
		return domain.NewError(domain.KindInvalidRequest, "schedule already dispatched; cancel its execution instead")
	}
	delete(s.schedules, scheduleID)
	delete(s.pendingDeps, scheduleID)
	s.mu.Unlock()

	s.q.Remove(scheduleID)
	s.removeCron(scheduleID)
	return s.store.DeleteSchedule(scheduleID)
}

// Dispatch pops every currently-due, dependency-satisfied schedule and
// hands it to the orchestrator via AdmitFunc. Intended to be called from a
// supervised background loop (§9 DESIGN NOTES: one supervised task per
// loop).
func (s *Scheduler) Dispatch(ctx context.Context) {
	now := s.clock.Now()
	for {
		peeked, ok := s.q.Peek()
		if !ok || peeked.Due.After(now) {
			return
		}
		item, _ := s.q.Pop()

		s.mu.Lock()
		sch, ok := s.schedules[item.ScheduleID]
		s.mu.Unlock()
		if !ok {
			continue
		}

		execID, err := s.admit(ctx, sch.Request)
		if err != nil && domain.KindOf(err) == domain.KindQueueFull {
			// Back off briefly rather than dropping the schedule.
			sch.Due = now.Add(time.Minute)
			s.q.Push(sch.ID, sch.Priority, sch.Due, sch.SubmittedAt)
			continue
		}
		if err != nil {
			slog.Error("admission failed", "schedule", sch.ID, "error", err)
			s.recordFailure(ctx, sch)
			continue
		}

		s.mu.Lock()
		sch.Status = domain.ScheduleRunning
		t := now
		sch.LastRunAt = &t
		s.execSchedule[execID] = sch.ID
		s.mu.Unlock()
		if s.runsTotal != nil {
			s.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", string(sch.Strategy))))
		}
		_ = s.store.PutSchedule(sch)
	}
}

// RecordOutcomeForExecution resolves executionID back to the scheduleID
// recorded at admission time (Dispatch/dispatchOne) and forwards to
// RecordOutcome. The admission wiring has no other way to correlate a
// terminal execution status back to its originating schedule, since
// AdmitFunc only ever returns an executionID.
func (s *Scheduler) RecordOutcomeForExecution(ctx context.Context, executionID string, success bool) {
	s.mu.Lock()
	scheduleID, ok := s.execSchedule[executionID]
	if ok {
		delete(s.execSchedule, executionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.RecordOutcome(ctx, scheduleID, success)
}

// RecordOutcome is called by the orchestrator once a dispatched execution
// reaches a terminal state, driving retry/recurrence/dependency promotion.
func (s *Scheduler) RecordOutcome(ctx context.Context, scheduleID string, success bool) {
	s.mu.Lock()
	sch, ok := s.schedules[scheduleID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if success {
		s.mu.Lock()
		sch.Status = domain.ScheduleCompleted
		s.mu.Unlock()
		_ = s.store.PutSchedule(sch)
		s.promoteDependents(ctx, scheduleID)
		if sch.Cron != "" {
			s.reenqueueCronOccurrence(ctx, sch)
		}
		return
	}

	if s.failuresTotal != nil {
		s.failuresTotal.Add(ctx, 1)
	}

	s.mu.Lock()
	sch.Attempts++
	if sch.Attempts < sch.MaxAttempts {
		sch.Status = domain.ScheduleRescheduled
		sch.Due = s.clock.Now().Add(retryDelay)
		s.mu.Unlock()
		if s.retryTotal != nil {
			s.retryTotal.Add(ctx, 1)
		}
		s.q.Push(sch.ID, sch.Priority, sch.Due, sch.SubmittedAt)
		_ = s.store.PutSchedule(sch)
		return
	}
	sch.Status = domain.ScheduleFailed
	s.mu.Unlock()
	s.recordFailure(ctx, sch)
}

func (s *Scheduler) recordFailure(ctx context.Context, sch *domain.Schedule) {
	s.mu.Lock()
	sch.Status = domain.ScheduleFailed
	s.failedRing = append(s.failedRing, sch.ID)
	if len(s.failedRing) > maxFailedRing {
		s.failedRing = s.failedRing[len(s.failedRing)-maxFailedRing:]
	}
	s.mu.Unlock()
	_ = s.store.PutSchedule(sch)
	_, _ = s.store.AppendAudit("schedule_failed", "scheduler", sch.ID, map[string]string{"attempts": fmt.Sprintf("%d", sch.Attempts)})
}

// promoteDependents re-checks schedules depending on a just-completed one;
// a ready High/Critical dependent is promoted to now+2min (§4.2).
func (s *Scheduler) promoteDependents(ctx context.Context, completedID string) {
	s.mu.Lock()
	dependents := append([]string(nil), s.dependents[completedID]...)
	delete(s.dependents, completedID)
	s.mu.Unlock()

	now := s.clock.Now()
	for _, depID := range dependents {
		s.mu.Lock()
		unmet, ok := s.pendingDeps[depID]
		if ok {
			delete(unmet, completedID)
		}
		ready := ok && len(unmet) == 0
		var sch *domain.Schedule
		if ready {
			sch = s.schedules[depID]
			delete(s.pendingDeps, depID)
		}
		s.mu.Unlock()
		if !ready || sch == nil {
			continue
		}
		if sch.Priority == domain.PriorityCritical || sch.Priority == domain.PriorityHigh {
			if promoted := now.Add(dependencyPromote); promoted.Before(sch.Due) {
				sch.Due = promoted
			}
		}
		s.enqueue(sch)
	}
}

func (s *Scheduler) addCron(scheduleID, expr string) error {
	entryID, err := s.cronRunner.AddFunc(expr, func() {
		s.mu.Lock()
		sch, ok := s.schedules[scheduleID]
		s.mu.Unlock()
		if !ok {
			return
		}
		s.dispatchOne(context.Background(), sch)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cronEntries[scheduleID] = entryID
	s.cronExprOf[scheduleID] = expr
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) removeCron(scheduleID string) {
	s.mu.Lock()
	entryID, ok := s.cronEntries[scheduleID]
	delete(s.cronEntries, scheduleID)
	delete(s.cronExprOf, scheduleID)
	s.mu.Unlock()
	if ok {
		s.cronRunner.Remove(entryID)
	}
}

func (s *Scheduler) dispatchOne(ctx context.Context, sch *domain.Schedule) {
	execID, err := s.admit(ctx, sch.Request)
	if err != nil {
		slog.Error("cron dispatch failed", "schedule", sch.ID, "error", err)
		s.recordFailure(ctx, sch)
		return
	}
	s.mu.Lock()
	sch.Status = domain.ScheduleRunning
	now := s.clock.Now()
	sch.LastRunAt = &now
	s.execSchedule[execID] = sch.ID
	s.mu.Unlock()
	if s.runsTotal != nil {
		s.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", string(sch.Strategy))))
	}
	_ = s.store.PutSchedule(sch)
}

// reenqueueCronOccurrence records a fresh Schedule (new id, due at the next
// cron fire) in the schedule table and the store; stops once the cron is
// cleared (Cancel/removeCron already happened). The fresh Schedule is not
// pushed onto the dispatch queue and gets no cron entry of its own: every
// fire is dispatched by the cron runner's entry for the original schedule.
func (s *Scheduler) reenqueueCronOccurrence(ctx context.Context, sch *domain.Schedule) {
	s.mu.Lock()
	expr, stillScheduled := s.cronExprOf[sch.ID]
	s.mu.Unlock()
	if !stillScheduled {
		return
	}
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		slog.Error("parse cron for recurrence", "schedule", sch.ID, "error", err)
		return
	}
	next := parsed.Next(s.clock.Now())

	fresh := &domain.Schedule{
		ID: ids.New("sched"), Request: sch.Request, Strategy: sch.Strategy,
		Priority: sch.Priority, Due: next, Cron: sch.Cron,
		Status: domain.ScheduleScheduled, MaxAttempts: sch.MaxAttempts,
		SubmittedAt: s.clock.Now(),
	}
	s.mu.Lock()
	s.schedules[fresh.ID] = fresh
	s.mu.Unlock()
	_ = s.store.PutSchedule(fresh)
}

// Start begins cron dispatch; callers still must run Dispatch periodically
// (e.g. from a ticking supervised loop) for non-cron schedules.
func (s *Scheduler) Start() {
	s.cronRunner.Start()
	slog.Info("scheduler started")
}

// Stop gracefully stops cron dispatch.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cronRunner.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunLoop is the supervised background task driving periodic Dispatch
// calls. A panic inside one Dispatch call is recovered and logged and the
// loop continues with the next tick; there is no limit on such restarts.
func (s *Scheduler) RunLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("scheduler dispatch loop panic", "panic", r)
					}
				}()
				s.Dispatch(ctx)
			}()
		}
	}
}

// Status returns queue depth, per-strategy counts and starvation-boost
// counts, mirroring the teacher's GetScheduleStats (SPEC_FULL.md §3).
func (s *Scheduler) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	perStrategy := map[string]int{}
	perStatus := map[string]int{}
	for _, sch := range s.schedules {
		perStrategy[string(sch.Strategy)]++
		perStatus[string(sch.Status)]++
	}

	boosted := 0
	now := s.clock.Now()
	for _, it := range s.q.Snapshot() {
		if now.Sub(it.SubmittedAt) > 60*time.Minute {
			boosted++
		}
	}

	return map[string]any{
		"queue_depth":      s.q.Len(),
		"cron_entries":     len(s.cronEntries),
		"per_strategy":     perStrategy,
		"per_status":       perStatus,
		"starvation_boost": boosted,
		"failed_ring_size": len(s.failedRing),
	}
}

// RecentFailures returns up to limit recently-failed schedule ids.
func (s *Scheduler) RecentFailures(limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.failedRing)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]string, limit)
	copy(out, s.failedRing[n-limit:])
	return out
}

// Get returns a schedule snapshot by id.
func (s *Scheduler) Get(scheduleID string) (*domain.Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	return sch, ok
}

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// cancellationManager tracks in-flight executions so Cancel can signal them
// cooperatively (§5): it never mutates execution state to a status other
// than Cancelled, and it bounds the allocation release to the next stage
// boundary or 60 seconds after the flag is set, whichever is earlier.
type cancellationManager struct {
	mu     sync.RWMutex
	active map[string]*cancellableExecution

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

type cancellableExecution struct {
	executionID  string
	cancel       context.CancelFunc
	flagged      bool
	reason       string
	cancelledAt  time.Time
	deadlineTmr  *time.Timer
	forceRelease func()
}

func newCancellationManager(meter metric.Meter) *cancellationManager {
	var cancellations metric.Int64Counter
	if meter != nil {
		cancellations, _ = meter.Int64Counter("scancore_execution_cancellations_total")
	}
	return &cancellationManager{
		active:        make(map[string]*cancellableExecution),
		cancellations: cancellations,
		tracer:        otel.Tracer("orchestrator-cancellation"),
	}
}

// register tracks executionID for cooperative cancellation; cancel is the
// CancelFunc for the execution's context, and forceRelease is invoked if the
// 60-second deadline elapses before the execution observes the flag itself.
func (cm *cancellationManager) register(executionID string, cancel context.CancelFunc, forceRelease func()) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.active[executionID] = &cancellableExecution{
		executionID:  executionID,
		cancel:       cancel,
		forceRelease: forceRelease,
	}
}

// cancel sets the cooperative flag and cancels the execution's context; it
// arms a 60-second timer that force-releases the allocation if the
// execution hasn't reached a stage boundary by then (§5 point 3).
func (cm *cancellationManager) cancel(ctx context.Context, executionID, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "cancellation.cancel",
		trace.WithAttributes(
			attribute.String("execution_id", executionID),
			attribute.String("reason", reason),
		),
	)
	defer span.End()

	cm.mu.Lock()
	ce, ok := cm.active[executionID]
	if !ok {
		cm.mu.Unlock()
		return fmt.Errorf("execution not found or already terminal: %s", executionID)
	}
	if ce.flagged {
		cm.mu.Unlock()
		return fmt.Errorf("execution already cancelling: %s", executionID)
	}
	ce.flagged = true
	ce.reason = reason
	ce.cancelledAt = time.Now()
	ce.deadlineTmr = time.AfterFunc(60*time.Second, func() {
		ce.forceRelease()
		cm.complete(executionID)
	})
	cm.mu.Unlock()

	ce.cancel()

	if cm.cancellations != nil {
		cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	span.AddEvent("execution_cancel_flagged")
	return nil
}

// isFlagged reports whether executionID has an outstanding cancellation flag,
// consulted at the suspension points named in §5.
func (cm *cancellationManager) isFlagged(executionID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ce, ok := cm.active[executionID]
	return ok && ce.flagged
}

// complete stops tracking executionID (reached a terminal state, either by
// natural completion or by observing its own cancellation flag at a stage
// boundary before the 60-second deadline).
func (cm *cancellationManager) complete(executionID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if ce, ok := cm.active[executionID]; ok {
		if ce.deadlineTmr != nil {
			ce.deadlineTmr.Stop()
		}
		delete(cm.active, executionID)
	}
}

// cancelAll flags every tracked execution, used on orchestrator shutdown.
func (cm *cancellationManager) cancelAll(reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	n := 0
	for id, ce := range cm.active {
		if !ce.flagged {
			ce.flagged = true
			ce.reason = reason
			ce.cancelledAt = time.Now()
			ce.cancel()
			n++
		}
		if ce.deadlineTmr != nil {
			ce.deadlineTmr.Stop()
		}
		delete(cm.active, id)
	}
	return n
}

// count reports active tracking size, used by Metrics().
func (cm *cancellationManager) count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.active)
}

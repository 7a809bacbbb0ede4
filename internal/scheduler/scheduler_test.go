package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seiforesti/scancore/internal/clockwork"
	"github.com/seiforesti/scancore/internal/config"
	"github.com/seiforesti/scancore/internal/domain"
	"github.com/seiforesti/scancore/internal/storage"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "sched.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		RetryAttempts: 3, BusinessHoursStart: 9, BusinessHoursEnd: 17,
		PeakHoursStart: 10, PeakHoursEnd: 16, MaintenanceStart: 2, MaintenanceEnd: 4,
	}
}

func TestImmediateStrategyDuesNow(t *testing.T) {
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC) // Monday noon
	clock := clockwork.NewFake(base)
	store := testStore(t)

	var admitted []*domain.ScanRequest
	admit := func(ctx context.Context, req *domain.ScanRequest) (string, error) {
		admitted = append(admitted, req)
		return "exec-" + req.ID, nil
	}

	sched := New(testConfig(), store, clock, nil, admit, nil)
	req := &domain.ScanRequest{ID: "req-1", RuleIDs: []string{"r1"}, Priority: domain.PriorityNormal, CreatedAt: base}

	id, err := sched.Schedule(context.Background(), req, domain.StrategyImmediate, domain.PriorityNormal, nil, "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sched.Dispatch(context.Background())
	require.Len(t, admitted, 1)
	require.Equal(t, "req-1", admitted[0].ID)
}

func TestDependencyHoldsUntilCompletion(t *testing.T) {
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFake(base)
	store := testStore(t)

	admitCount := 0
	admit := func(ctx context.Context, req *domain.ScanRequest) (string, error) {
		admitCount++
		return "exec", nil
	}
	sched := New(testConfig(), store, clock, nil, admit, nil)

	upstream := &domain.ScanRequest{ID: "up", RuleIDs: []string{"r1"}, Priority: domain.PriorityNormal, CreatedAt: base}
	upID, err := sched.Schedule(context.Background(), upstream, domain.StrategyImmediate, domain.PriorityNormal, nil, "", nil)
	require.NoError(t, err)

	downstream := &domain.ScanRequest{ID: "down", RuleIDs: []string{"r1"}, Priority: domain.PriorityHigh, CreatedAt: base}
	_, err = sched.Schedule(context.Background(), downstream, domain.StrategyImmediate, domain.PriorityHigh, nil, "", []string{upID})
	require.NoError(t, err)

	// Only the upstream schedule is queued; the dependent is held back.
	sched.Dispatch(context.Background())
	require.Equal(t, 1, admitCount)

	sched.RecordOutcome(context.Background(), upID, true)
	sched.Dispatch(context.Background())
	require.Equal(t, 2, admitCount)
}

func TestRetryRequeuesUntilMaxAttemptsThenFails(t *testing.T) {
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFake(base)
	store := testStore(t)
	cfg := testConfig()
	cfg.RetryAttempts = 2

	admit := func(ctx context.Context, req *domain.ScanRequest) (string, error) { return "exec", nil }
	sched := New(cfg, store, clock, nil, admit, nil)

	req := &domain.ScanRequest{ID: "req-flaky", RuleIDs: []string{"r1"}, Priority: domain.PriorityNormal, CreatedAt: base}
	id, err := sched.Schedule(context.Background(), req, domain.StrategyImmediate, domain.PriorityNormal, nil, "", nil)
	require.NoError(t, err)
	sched.Dispatch(context.Background())

	sched.RecordOutcome(context.Background(), id, false)
	sch, ok := sched.Get(id)
	require.True(t, ok)
	require.Equal(t, domain.ScheduleRescheduled, sch.Status)

	sched.RecordOutcome(context.Background(), id, false)
	sch, ok = sched.Get(id)
	require.True(t, ok)
	require.Equal(t, domain.ScheduleFailed, sch.Status)
	require.Contains(t, sched.RecentFailures(10), id)
}

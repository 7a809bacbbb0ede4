package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seiforesti/scancore/internal/clockwork"
	"github.com/seiforesti/scancore/internal/config"
	"github.com/seiforesti/scancore/internal/domain"
	"github.com/seiforesti/scancore/internal/ports"
	"github.com/seiforesti/scancore/internal/storage"
)

type fakeDataSource struct {
	known map[string]bool
	meta  ports.DataSourceMetadata
}

func (f fakeDataSource) Validate(ctx context.Context, id string) (bool, error) {
	return f.known[id], nil
}
func (f fakeDataSource) Metadata(ctx context.Context, id string) (ports.DataSourceMetadata, error) {
	return f.meta, nil
}

type fakeRules struct {
	valid    bool
	failWith map[string]bool
}

func (f fakeRules) Validate(ctx context.Context, ids []string) (ports.RuleValidation, error) {
	if !f.valid {
		return ports.RuleValidation{OK: false, Errors: []string{"unknown rule"}}, nil
	}
	return ports.RuleValidation{OK: true}, nil
}
func (f fakeRules) ExecuteRule(ctx context.Context, ruleID string, request *domain.ScanRequest) (any, error) {
	if f.failWith[ruleID] {
		return nil, assertErr{}
	}
	return "ok", nil
}

func testOrchestrator(t *testing.T, ds fakeDataSource, rules fakeRules, cfg *config.Config) (*Orchestrator, *clockwork.Fake) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := clockwork.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)) // a Monday
	o := New(cfg, store, clock, ds, rules, nil, nil, nil, nil)
	return o, clock
}

func testConfigOrch() *config.Config {
	return &config.Config{
		MaxConcurrentScans: 10,
		MaxQueueSize:       10,
		SafetyMargin:       0.2,
		PoolCPUPct:         100,
		PoolMemoryMB:       8192,
		PoolStorageMB:      10240,
		PoolNetworkMbps:    1000,
		PoolDBConnections:  10,
		PoolAPIRate:        1000,
	}
}

func waitForTerminal(t *testing.T, o *Orchestrator, execID string, timeout time.Duration) Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, ok := o.Status(execID)
		require.True(t, ok)
		if st.State.IsTerminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal state in time", execID)
	return Status{}
}

func TestSubmitValidatesDataSourceAndRules(t *testing.T) {
	ds := fakeDataSource{known: map[string]bool{}}
	rules := fakeRules{valid: true}
	o, _ := testOrchestrator(t, ds, rules, testConfigOrch())

	request := &domain.ScanRequest{DataSourceID: "missing", RuleIDs: []string{"r1"}, Priority: domain.PriorityNormal}
	_, _, err := o.Submit(context.Background(), request, domain.PlanSequential)
	require.Error(t, err)
	require.Equal(t, domain.KindInvalidRequest, domain.KindOf(err))
}

func TestSubmitRunsToCompletionOnHappyPath(t *testing.T) {
	ds := fakeDataSource{known: map[string]bool{"ds1": true}, meta: ports.DataSourceMetadata{EstimatedRows: 1000, Tables: []string{"t1"}, Columns: []string{"c1"}}}
	rules := fakeRules{valid: true}
	o, _ := testOrchestrator(t, ds, rules, testConfigOrch())

	request := &domain.ScanRequest{DataSourceID: "ds1", RuleIDs: []string{"r1", "r2"}, Priority: domain.PriorityNormal}
	execID, status, err := o.Submit(context.Background(), request, domain.PlanSequential)
	require.NoError(t, err)
	require.Equal(t, domain.ExecInitializing, status)

	final := waitForTerminal(t, o, execID, 2*time.Second)
	require.Equal(t, domain.ExecCompleted, final.State)
	require.Equal(t, 1.0, final.Progress)
	require.Len(t, final.StageResults, 2)
}

func TestSubmitQueuesOnResourceShortage(t *testing.T) {
	ds := fakeDataSource{known: map[string]bool{"ds1": true}, meta: ports.DataSourceMetadata{EstimatedRows: 100, Tables: []string{"t1"}}}
	rules := fakeRules{valid: true}
	cfg := testConfigOrch()
	cfg.PoolCPUPct = 1 // ceiling = 1*0.8 = 0.8, any heuristic cpu (min 5) won't fit
	o, _ := testOrchestrator(t, ds, rules, cfg)

	request := &domain.ScanRequest{DataSourceID: "ds1", RuleIDs: []string{"r1"}, Priority: domain.PriorityNormal}
	execID, status, err := o.Submit(context.Background(), request, domain.PlanSequential)
	require.NoError(t, err)
	require.Equal(t, domain.ExecPending, status)

	st, ok := o.Status(execID)
	require.True(t, ok)
	require.Equal(t, domain.ExecPending, st.State)
}

func TestCancelRemovesStillQueuedExecution(t *testing.T) {
	ds := fakeDataSource{known: map[string]bool{"ds1": true}, meta: ports.DataSourceMetadata{EstimatedRows: 100, Tables: []string{"t1"}}}
	rules := fakeRules{valid: true}
	cfg := testConfigOrch()
	cfg.PoolCPUPct = 1
	o, _ := testOrchestrator(t, ds, rules, cfg)

	request := &domain.ScanRequest{DataSourceID: "ds1", RuleIDs: []string{"r1"}, Priority: domain.PriorityNormal}
	execID, _, err := o.Submit(context.Background(), request, domain.PlanSequential)
	require.NoError(t, err)

	require.NoError(t, o.Cancel(context.Background(), execID, "no longer needed"))
	st, ok := o.Status(execID)
	require.True(t, ok)
	require.Equal(t, domain.ExecCancelled, st.State)
}

func TestMetricsReflectsActiveAndQueueLen(t *testing.T) {
	ds := fakeDataSource{known: map[string]bool{"ds1": true}, meta: ports.DataSourceMetadata{EstimatedRows: 1000, Tables: []string{"t1"}}}
	rules := fakeRules{valid: true}
	o, _ := testOrchestrator(t, ds, rules, testConfigOrch())

	request := &domain.ScanRequest{DataSourceID: "ds1", RuleIDs: []string{"r1"}, Priority: domain.PriorityNormal}
	execID, _, err := o.Submit(context.Background(), request, domain.PlanSequential)
	require.NoError(t, err)
	waitForTerminal(t, o, execID, 2*time.Second)

	m := o.Metrics()
	require.Equal(t, int64(1), m.Submitted)
	require.Equal(t, int64(1), m.Completed)
	require.Equal(t, 0, m.Active)
}

func TestStreamDeliversTerminalStatusThenCloses(t *testing.T) {
	ds := fakeDataSource{known: map[string]bool{"ds1": true}, meta: ports.DataSourceMetadata{EstimatedRows: 1000, Tables: []string{"t1"}}}
	rules := fakeRules{valid: true}
	o, _ := testOrchestrator(t, ds, rules, testConfigOrch())

	request := &domain.ScanRequest{DataSourceID: "ds1", RuleIDs: []string{"r1"}, Priority: domain.PriorityNormal}
	execID, _, err := o.Submit(context.Background(), request, domain.PlanSequential)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := o.Stream(ctx, execID)
	require.NoError(t, err)

	var last Status
	for st := range ch {
		last = st
	}
	require.Equal(t, domain.ExecCompleted, last.State)
}

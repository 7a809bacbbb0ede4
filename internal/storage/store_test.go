package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/seiforesti/scancore/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExecutionPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	exec := &domain.Execution{ID: "exec-1", Status: domain.ExecRunning, Progress: 0.4}

	require.NoError(t, s.PutExecution(exec))

	got, ok, err := s.GetExecution("exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, exec.ID, got.ID)
	require.Equal(t, domain.ExecRunning, got.Status)
}

func TestFailedRingBufferTracksRecentFailures(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		exec := &domain.Execution{ID: string(rune('a' + i)), Status: domain.ExecFailed}
		require.NoError(t, s.PutExecution(exec))
	}

	ids, err := s.RecentFailures(2)
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestScheduleRoundTripAndDelete(t *testing.T) {
	s := openTestStore(t)
	sch := &domain.Schedule{ID: "sch-1", Status: domain.SchedulePending}
	require.NoError(t, s.PutSchedule(sch))

	got, ok, err := s.GetSchedule("sch-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sch-1", got.ID)

	require.NoError(t, s.DeleteSchedule("sch-1"))
	_, ok, err = s.GetSchedule("sch-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWorkflowVersionHistory(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		wf := &domain.Workflow{ID: string(rune('x' + i)), TemplateID: "tmpl-1", CreatedAt: time.Now()}
		require.NoError(t, s.PutWorkflow(wf))
	}

	versions, err := s.WorkflowVersions("tmpl-1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
}

func TestAuditChainVerifiesAndDetectsCorruption(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendAudit("submit", "user-1", "exec-1", map[string]string{"k": "v"})
	require.NoError(t, err)
	_, err = s.AppendAudit("complete", "system", "exec-1", nil)
	require.NoError(t, err)

	ok, err := s.VerifyAuditChain()
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := s.ListAudit(0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, entries[0].Hash, entries[1].PrevHash)

	// Rewrite the first entry's action in place; its stored hash no longer
	// matches, so verification must fail.
	tampered := entries[0]
	tampered.Action = "forged"
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketAudit, fmt.Sprintf("%020d", tampered.Index), tampered)
	}))
	ok, err = s.VerifyAuditChain()
	require.NoError(t, err)
	require.False(t, ok)
}

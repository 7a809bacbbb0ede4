// Package storage persists executions, schedules, workflows and templates
// in an embedded bbolt database, generalizing the teacher's WorkflowStore
// (bucket-per-entity, JSON-encoded values, small LRU read caches) to the
// scan-orchestration entity set.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/seiforesti/scancore/internal/domain"
)

var (
	bucketExecutions = []byte("executions")
	bucketSchedules  = []byte("schedules")
	bucketWorkflows  = []byte("workflows")
	bucketTemplates  = []byte("templates")
	bucketApprovals  = []byte("approvals")
	bucketCompleted  = []byte("ring_completed")
	bucketFailed     = []byte("ring_failed")
	bucketAudit      = []byte("audit_log")
)

const (
	completedRingSize = 1000
	failedRingSize    = 500
)

// Store is the bbolt-backed persistence layer for the core.
type Store struct {
	db *bolt.DB

	mu          sync.RWMutex
	execCache   map[string]*domain.Execution
	execCacheMx []string // LRU order, oldest first
	maxCache    int

	auditMu   sync.Mutex
	auditHead string
	auditSeq  uint64

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or opens the bbolt database at path and ensures buckets exist,
// recording db read/write latency and execution-cache hit rate on meter (nil
// meter disables metrics, matching the teacher's noop-meter test pattern).
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketExecutions, bucketSchedules, bucketWorkflows, bucketTemplates, bucketApprovals, bucketCompleted, bucketFailed, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	s := &Store{db: db, execCache: make(map[string]*domain.Execution), maxCache: 500}
	if meter != nil {
		s.readLatency, _ = meter.Float64Histogram("scancore_storage_read_ms")
		s.writeLatency, _ = meter.Float64Histogram("scancore_storage_write_ms")
		s.cacheHits, _ = meter.Int64Counter("scancore_storage_cache_hits_total")
		s.cacheMisses, _ = meter.Int64Counter("scancore_storage_cache_misses_total")
	}
	s.warmAuditHead()
	return s, nil
}

func (s *Store) recordLatency(h metric.Float64Histogram, op string, start time.Time) {
	if h == nil {
		return
	}
	h.Record(context.Background(), float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) recordCache(hit bool, kind string) {
	ctx := context.Background()
	if hit && s.cacheHits != nil {
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
	} else if !hit && s.cacheMisses != nil {
		s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
	}
}

func (s *Store) Close() error { return s.db.Close() }

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func get[T any](tx *bolt.Tx, bucket []byte, key string) (*T, bool, error) {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return nil, false, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, err
	}
	return &v, true, nil
}

// PutExecution upserts an execution and refreshes the in-memory read cache.
func (s *Store) PutExecution(exec *domain.Execution) error {
	start := time.Now()
	defer s.recordLatency(s.writeLatency, "put_execution", start)

	err := s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketExecutions, exec.ID, exec)
	})
	if err != nil {
		return fmt.Errorf("put execution: %w", err)
	}
	s.mu.Lock()
	s.cacheExecutionLocked(exec)
	s.mu.Unlock()

	if exec.Status.IsTerminal() {
		ring := bucketCompleted
		limit := completedRingSize
		if exec.Status == domain.ExecFailed || exec.Status == domain.ExecCancelled {
			ring = bucketFailed
			limit = failedRingSize
		}
		_ = s.appendRing(ring, exec.ID, limit)
	}
	return nil
}

func (s *Store) cacheExecutionLocked(exec *domain.Execution) {
	if _, exists := s.execCache[exec.ID]; !exists {
		s.execCacheMx = append(s.execCacheMx, exec.ID)
	}
	s.execCache[exec.ID] = exec
	if len(s.execCacheMx) > s.maxCache {
		evict := s.execCacheMx[0]
		s.execCacheMx = s.execCacheMx[1:]
		delete(s.execCache, evict)
	}
}

// GetExecution fetches an execution, consulting the read cache first.
func (s *Store) GetExecution(id string) (*domain.Execution, bool, error) {
	start := time.Now()
	defer s.recordLatency(s.readLatency, "get_execution", start)

	s.mu.RLock()
	if e, ok := s.execCache[id]; ok {
		s.mu.RUnlock()
		s.recordCache(true, "execution")
		return e, true, nil
	}
	s.mu.RUnlock()
	s.recordCache(false, "execution")

	var found *domain.Execution
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v, exists, err := get[domain.Execution](tx, bucketExecutions, id)
		if err != nil {
			return err
		}
		found, ok = v, exists
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get execution: %w", err)
	}
	if ok {
		s.mu.Lock()
		s.cacheExecutionLocked(found)
		s.mu.Unlock()
	}
	return found, ok, nil
}

// ListActiveExecutions returns up to limit non-terminal executions.
func (s *Store) ListActiveExecutions(limit int) ([]*domain.Execution, error) {
	var out []*domain.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExecutions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e domain.Execution
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if !e.Status.IsTerminal() {
				out = append(out, &e)
				if limit > 0 && len(out) >= limit {
					break
				}
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) appendRing(bucket []byte, id string, limit int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seqKey := []byte(fmt.Sprintf("%020d", time.Now().UnixNano()))
		if err := b.Put(seqKey, []byte(id)); err != nil {
			return err
		}
		return trimRing(b, limit)
	})
}

func trimRing(b *bolt.Bucket, limit int) error {
	n := b.Stats().KeyN
	if n <= limit {
		return nil
	}
	c := b.Cursor()
	k, _ := c.First()
	for i := 0; i < n-limit && k != nil; i++ {
		if err := b.Delete(k); err != nil {
			return err
		}
		k, _ = c.Next()
	}
	return nil
}

// RecentFailures returns up to limit execution ids from the bounded failure
// ring buffer, most recent first — the supplemented feature mirroring the
// original's failed_orchestrations deque (SPEC_FULL.md §3).
func (s *Store) RecentFailures(limit int) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFailed).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(ids) < limit); k, v = c.Prev() {
			ids = append(ids, string(v))
		}
		return nil
	})
	return ids, err
}

// PutSchedule/GetSchedule/ListSchedules manage scheduler state.
func (s *Store) PutSchedule(sch *domain.Schedule) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketSchedules, sch.ID, sch) })
}

func (s *Store) GetSchedule(id string) (*domain.Schedule, bool, error) {
	var v *domain.Schedule
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found, exists, err := get[domain.Schedule](tx, bucketSchedules, id)
		v, ok = found, exists
		return err
	})
	return v, ok, err
}

func (s *Store) DeleteSchedule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketSchedules).Delete([]byte(id)) })
}

func (s *Store) ListSchedules() ([]*domain.Schedule, error) {
	var out []*domain.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sch domain.Schedule
			if err := json.Unmarshal(v, &sch); err != nil {
				return nil
			}
			out = append(out, &sch)
			return nil
		})
	})
	return out, err
}

// PutWorkflow/GetWorkflow/WorkflowVersions manage workflow instances and
// a bounded per-template version trail (SPEC_FULL.md §3).
func (s *Store) PutWorkflow(wf *domain.Workflow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := put(tx, bucketWorkflows, wf.ID, wf); err != nil {
			return err
		}
		vb, err := tx.Bucket(bucketWorkflows).CreateBucketIfNotExists([]byte("versions:" + wf.TemplateID))
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d", time.Now().UnixNano()))
		if err := vb.Put(key, []byte(wf.ID)); err != nil {
			return err
		}
		return trimRing(vb, 50)
	})
}

func (s *Store) GetWorkflow(id string) (*domain.Workflow, bool, error) {
	var v *domain.Workflow
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found, exists, err := get[domain.Workflow](tx, bucketWorkflows, id)
		v, ok = found, exists
		return err
	})
	return v, ok, err
}

func (s *Store) WorkflowVersions(templateID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		vb := tx.Bucket(bucketWorkflows).Bucket([]byte("versions:" + templateID))
		if vb == nil {
			return nil
		}
		return vb.ForEach(func(k, v []byte) error {
			ids = append(ids, string(v))
			return nil
		})
	})
	return ids, err
}

// PutTemplate/GetTemplate manage reusable workflow templates.
func (s *Store) PutTemplate(t *domain.WorkflowTemplate) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketTemplates, t.ID, t) })
}

func (s *Store) GetTemplate(id string) (*domain.WorkflowTemplate, bool, error) {
	var v *domain.WorkflowTemplate
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found, exists, err := get[domain.WorkflowTemplate](tx, bucketTemplates, id)
		v, ok = found, exists
		return err
	})
	return v, ok, err
}

// PutApproval/GetApproval manage pending approval requests.
func (s *Store) PutApproval(a *domain.ApprovalRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketApprovals, a.ID, a) })
}

func (s *Store) GetApproval(id string) (*domain.ApprovalRequest, bool, error) {
	var v *domain.ApprovalRequest
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found, exists, err := get[domain.ApprovalRequest](tx, bucketApprovals, id)
		v, ok = found, exists
		return err
	})
	return v, ok, err
}

func (s *Store) ListPendingApprovals() ([]*domain.ApprovalRequest, error) {
	var out []*domain.ApprovalRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApprovals).ForEach(func(k, v []byte) error {
			var a domain.ApprovalRequest
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			if a.Decision == domain.ApprovalPending {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

// Stats reports bucket sizes, mirroring the teacher's GetStats.
func (s *Store) Stats() (map[string]int, error) {
	out := map[string]int{}
	err := s.db.View(func(tx *bolt.Tx) error {
		for name, b := range map[string][]byte{
			"executions": bucketExecutions, "schedules": bucketSchedules,
			"workflows": bucketWorkflows, "templates": bucketTemplates,
			"approvals": bucketApprovals, "completed": bucketCompleted, "failed": bucketFailed,
		} {
			out[name] = tx.Bucket(b).Stats().KeyN
		}
		return nil
	})
	return out, err
}

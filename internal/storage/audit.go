package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// AuditEntry is one hash-chained record of a lifecycle event, adapted from
// the audit-trail service's append log: each entry commits to its
// predecessor's hash so the chain can be verified end to end.
type AuditEntry struct {
	Index     uint64
	Timestamp time.Time
	Action    string
	Actor     string
	Resource  string
	Metadata  map[string]string
	PrevHash  string
	Hash      string
}

func hashEntry(prevHash string, ts time.Time, action, actor, resource string, metadata map[string]string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s", prevHash, ts.UnixNano(), action, actor, resource)
	metaBytes, _ := json.Marshal(metadata)
	h.Write(metaBytes)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) warmAuditHead() {
	_ = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		var e AuditEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return nil
		}
		s.auditHead = e.Hash
		s.auditSeq = e.Index
		return nil
	})
}

// AppendAudit records a lifecycle event in the hash chain and persists it.
func (s *Store) AppendAudit(action, actor, resource string, metadata map[string]string) (AuditEntry, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	now := time.Now()
	entry := AuditEntry{
		Index:     s.auditSeq + 1,
		Timestamp: now,
		Action:    action,
		Actor:     actor,
		Resource:  resource,
		Metadata:  metadata,
		PrevHash:  s.auditHead,
	}
	entry.Hash = hashEntry(entry.PrevHash, entry.Timestamp, entry.Action, entry.Actor, entry.Resource, entry.Metadata)

	err := s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketAudit, fmt.Sprintf("%020d", entry.Index), entry)
	})
	if err != nil {
		return AuditEntry{}, fmt.Errorf("append audit: %w", err)
	}
	s.auditHead = entry.Hash
	s.auditSeq = entry.Index
	return entry, nil
}

// VerifyAuditChain walks the full audit log and confirms every hash links to
// its predecessor, detecting tampering or corruption.
func (s *Store) VerifyAuditChain() (bool, error) {
	ok := true
	prevHash := ""
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(k, v []byte) error {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				ok = false
				return nil
			}
			if e.PrevHash != prevHash {
				ok = false
			}
			want := hashEntry(e.PrevHash, e.Timestamp, e.Action, e.Actor, e.Resource, e.Metadata)
			if want != e.Hash {
				ok = false
			}
			prevHash = e.Hash
			return nil
		})
	})
	return ok, err
}

// ListAudit returns up to limit audit entries starting at index (0 means
// from the beginning), in chain order.
func (s *Store) ListAudit(from uint64, limit int) ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		prefix := fmt.Sprintf("%020d", from)
		for k, v := c.Seek([]byte(prefix)); k != nil; k, v = c.Next() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Package bolt implements the embedded fallback work-order store on bbolt.
//
// It is selected at startup when the primary PostgreSQL backend is
// unreachable. The store is single-writer by construction and guarded by an
// internal mutex; records are JSON-encoded values in per-table buckets.
package bolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

var (
	bucketWorkOrders   = []byte("work_orders")
	bucketAuditLogs    = []byte("audit_logs")
	bucketAgentMetrics = []byte("agent_metrics")
	bucketSessions     = []byte("sessions")
	bucketDailyCosts   = []byte("daily_costs")
)

// Store implements domain.WorkOrderStore on an embedded bbolt database.
type Store struct {
	db *bbolt.DB
	mu sync.Mutex
}

// Open opens (or creates) the database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("op=bolt.Open: %w: %w", domain.ErrStorageUnavailable, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkOrders, bucketAuditLogs, bucketAgentMetrics, bucketSessions, bucketDailyCosts} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=bolt.Open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Backend identifies this store in health output.
func (s *Store) Backend() string { return "bolt" }

// Ping verifies the database file is usable.
func (s *Store) Ping(_ domain.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketWorkOrders) == nil {
			return fmt.Errorf("op=bolt.Ping: %w", domain.ErrStorageUnavailable)
		}
		return nil
	})
}

func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

// CreateWorkOrder inserts a new order with status queued.
func (s *Store) CreateWorkOrder(_ domain.Context, wo domain.WorkOrder) (string, error) {
	if wo.ID == "" {
		return "", fmt.Errorf("op=bolt.create: %w: id required", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkOrders)
		if b.Get([]byte(wo.ID)) != nil {
			return fmt.Errorf("duplicate id %s: %w", wo.ID, domain.ErrConflictingState)
		}
		now := time.Now().UTC()
		if wo.CreatedAt.IsZero() {
			wo.CreatedAt = now
		}
		wo.UpdatedAt = now
		wo.Status = domain.StatusQueued
		data, err := json.Marshal(wo)
		if err != nil {
			return err
		}
		return b.Put([]byte(wo.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("op=bolt.create: %w", err)
	}
	return wo.ID, nil
}

// GetWorkOrder loads one order by id.
func (s *Store) GetWorkOrder(_ domain.Context, id string) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkOrders).Get([]byte(id))
		if data == nil {
			return domain.ErrNotFound
		}
		return json.Unmarshal(data, &wo)
	})
	if err != nil {
		return domain.WorkOrder{}, fmt.Errorf("op=bolt.get: %w", err)
	}
	return wo, nil
}

// mutateWorkOrder applies fn to the stored order under the write lock.
func (s *Store) mutateWorkOrder(id string, fn func(*domain.WorkOrder) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkOrders)
		data := b.Get([]byte(id))
		if data == nil {
			return domain.ErrNotFound
		}
		var wo domain.WorkOrder
		if err := json.Unmarshal(data, &wo); err != nil {
			return err
		}
		if err := fn(&wo); err != nil {
			return err
		}
		wo.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(wo)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// TransitionStatus performs the compare-and-set status write. Disallowed or
// mismatched transitions return ErrConflictingState.
func (s *Store) TransitionStatus(_ domain.Context, id string, from, to domain.Status, reason string) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=bolt.transition: %s -> %s: %w", from, to, domain.ErrConflictingState)
	}
	err := s.mutateWorkOrder(id, func(wo *domain.WorkOrder) error {
		if wo.Status != from {
			return fmt.Errorf("status is %s, expected %s: %w", wo.Status, from, domain.ErrConflictingState)
		}
		wo.Status = to
		if reason != "" && (to == domain.StatusFailed || to == domain.StatusBlocked || to == domain.StatusCancelled) {
			wo.LastError = reason
		}
		if to == domain.StatusCompleted && wo.CompletedAt == nil {
			now := time.Now().UTC()
			wo.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=bolt.transition: %w", err)
	}
	return nil
}

// Escalate promotes the order to nextTier: owner updated, chain appended,
// retry count reset, status CAS from -> escalated.
func (s *Store) Escalate(_ domain.Context, id string, from domain.Status, nextTier domain.Tier) error {
	if !domain.CanTransition(from, domain.StatusEscalated) {
		return fmt.Errorf("op=bolt.escalate: %s -> escalated: %w", from, domain.ErrConflictingState)
	}
	err := s.mutateWorkOrder(id, func(wo *domain.WorkOrder) error {
		if wo.Status != from {
			return fmt.Errorf("status is %s, expected %s: %w", wo.Status, from, domain.ErrConflictingState)
		}
		wo.Status = domain.StatusEscalated
		wo.Owner = nextTier
		wo.EscalationChain = append(wo.EscalationChain, nextTier)
		wo.RetryCount = 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=bolt.escalate: %w", err)
	}
	return nil
}

// RecordAttempt appends the metric and folds its usage into the order totals.
// A failed attempt bumps retry_count.
// BumpRetry increments the retry counter without touching metrics, capped at
// the order's max.
func (s *Store) BumpRetry(_ domain.Context, id string) (int, error) {
	var newCount int
	err := s.mutateWorkOrder(id, func(wo *domain.WorkOrder) error {
		wo.RetryCount++
		if wo.RetryCount > wo.MaxRetries {
			wo.RetryCount = wo.MaxRetries
		}
		newCount = wo.RetryCount
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("op=bolt.bump_retry: %w", err)
	}
	return newCount, nil
}

func (s *Store) RecordAttempt(_ domain.Context, id string, m domain.AgentMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		wb := tx.Bucket(bucketWorkOrders)
		data := wb.Get([]byte(id))
		if data == nil {
			return domain.ErrNotFound
		}
		var wo domain.WorkOrder
		if err := json.Unmarshal(data, &wo); err != nil {
			return err
		}
		wo.CostUSD += m.CostUSD
		wo.PromptTokens += m.PromptTokens
		wo.CompletionTokens += m.CompletionTokens
		if !m.Success {
			wo.RetryCount++
			if wo.RetryCount > wo.MaxRetries {
				wo.RetryCount = wo.MaxRetries
			}
		}
		wo.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(wo)
		if err != nil {
			return err
		}
		if err := wb.Put([]byte(id), out); err != nil {
			return err
		}

		mb := tx.Bucket(bucketAgentMetrics)
		seq, err := mb.NextSequence()
		if err != nil {
			return err
		}
		m.ID = int64(seq)
		m.WorkOrderID = id
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		md, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return mb.Put(seqKey(seq), md)
	})
	if err != nil {
		return fmt.Errorf("op=bolt.record_attempt: %w", err)
	}
	return nil
}

// RecordResult stores the final output and stamps completed_at.
func (s *Store) RecordResult(_ domain.Context, id string, output string) error {
	err := s.mutateWorkOrder(id, func(wo *domain.WorkOrder) error {
		wo.ResultOutput = output
		now := time.Now().UTC()
		wo.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=bolt.record_result: %w", err)
	}
	return nil
}

// AppendAudit writes one immutable audit entry.
func (s *Store) AppendAudit(_ domain.Context, e domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAuditLogs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = int64(seq)
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return fmt.Errorf("op=bolt.append_audit: %w", err)
	}
	return nil
}

// ListAudit returns entries for one order in insertion (timestamp) order.
func (s *Store) ListAudit(_ domain.Context, workOrderID string, limit int) ([]domain.AuditLog, error) {
	var out []domain.AuditLog
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAuditLogs).ForEach(func(_, v []byte) error {
			var e domain.AuditLog
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if workOrderID == "" || e.WorkOrderID == workOrderID {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("op=bolt.list_audit: %w", err)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// QueryWorkOrders scans orders matching the filter, newest first.
func (s *Store) QueryWorkOrders(_ domain.Context, f domain.WorkOrderFilter) ([]domain.WorkOrder, error) {
	var out []domain.WorkOrder
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkOrders).ForEach(func(_, v []byte) error {
			var wo domain.WorkOrder
			if err := json.Unmarshal(v, &wo); err != nil {
				return err
			}
			if f.Status != "" && wo.Status != f.Status {
				return nil
			}
			if f.Owner != "" && wo.Owner != f.Owner {
				return nil
			}
			if f.SessionID != "" && wo.SessionID != f.SessionID {
				return nil
			}
			out = append(out, wo)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("op=bolt.query: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// QuerySystemStatus counts orders by status.
func (s *Store) QuerySystemStatus(ctx domain.Context) (domain.SystemStatus, error) {
	counts := map[domain.Status]int64{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkOrders).ForEach(func(_, v []byte) error {
			var wo domain.WorkOrder
			if err := json.Unmarshal(v, &wo); err != nil {
				return err
			}
			counts[wo.Status]++
			return nil
		})
	})
	if err != nil {
		return domain.SystemStatus{}, fmt.Errorf("op=bolt.system_status: %w", err)
	}
	return domain.SystemStatus{CountsByStatus: counts, StoreBackend: s.Backend()}, nil
}

// QueryCost aggregates agent metrics over the window.
func (s *Store) QueryCost(_ domain.Context, from, to time.Time) (domain.CostSummary, error) {
	sum := domain.CostSummary{WindowStart: from, WindowEnd: to}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAgentMetrics).ForEach(func(_, v []byte) error {
			var m domain.AgentMetric
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Timestamp.Before(from) || m.Timestamp.After(to) {
				return nil
			}
			sum.CostUSD += m.CostUSD
			sum.PromptTokens += m.PromptTokens
			sum.CompletionTokens += m.CompletionTokens
			sum.Invocations++
			return nil
		})
	})
	if err != nil {
		return domain.CostSummary{}, fmt.Errorf("op=bolt.query_cost: %w", err)
	}
	return sum, nil
}

type dailyCost struct {
	Day     string  `json:"day"`
	CostUSD float64 `json:"cost_usd"`
}

// AddDailyCost increments the per-day aggregate and returns the new total.
func (s *Store) AddDailyCost(_ domain.Context, day string, usd float64) (float64, error) {
	if usd < 0 {
		return 0, fmt.Errorf("op=bolt.add_daily_cost: %w: negative cost", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDailyCosts)
		var dc dailyCost
		if data := b.Get([]byte(day)); data != nil {
			if err := json.Unmarshal(data, &dc); err != nil {
				return err
			}
		}
		dc.Day = day
		dc.CostUSD += usd
		total = dc.CostUSD
		out, err := json.Marshal(dc)
		if err != nil {
			return err
		}
		return b.Put([]byte(day), out)
	})
	if err != nil {
		return 0, fmt.Errorf("op=bolt.add_daily_cost: %w", err)
	}
	return total, nil
}

// DailyCost returns the accumulated spend for the given UTC day.
func (s *Store) DailyCost(_ domain.Context, day string) (float64, error) {
	var total float64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketDailyCosts).Get([]byte(day)); data != nil {
			var dc dailyCost
			if err := json.Unmarshal(data, &dc); err != nil {
				return err
			}
			total = dc.CostUSD
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("op=bolt.daily_cost: %w", err)
	}
	return total, nil
}

// FindRecentBySignature implements the creation dedup window.
func (s *Store) FindRecentBySignature(_ domain.Context, sessionID, signature string, window time.Duration) (domain.WorkOrder, error) {
	cutoff := time.Now().UTC().Add(-window)
	var found *domain.WorkOrder
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkOrders).ForEach(func(_, v []byte) error {
			var wo domain.WorkOrder
			if err := json.Unmarshal(v, &wo); err != nil {
				return err
			}
			if wo.SessionID != sessionID || wo.Signature != signature {
				return nil
			}
			if wo.CreatedAt.Before(cutoff) {
				return nil
			}
			if found == nil || wo.CreatedAt.After(found.CreatedAt) {
				cp := wo
				found = &cp
			}
			return nil
		})
	})
	if err != nil {
		return domain.WorkOrder{}, fmt.Errorf("op=bolt.find_signature: %w", err)
	}
	if found == nil {
		return domain.WorkOrder{}, fmt.Errorf("op=bolt.find_signature: %w", domain.ErrNotFound)
	}
	return *found, nil
}

// UpsertSession creates or refreshes a session record.
func (s *Store) UpsertSession(_ domain.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if data := b.Get([]byte(sess.ID)); data != nil {
			var existing domain.Session
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			existing.LastActiveAt = time.Now().UTC()
			out, err := json.Marshal(existing)
			if err != nil {
				return err
			}
			return b.Put([]byte(sess.ID), out)
		}
		now := time.Now().UTC()
		if sess.CreatedAt.IsZero() {
			sess.CreatedAt = now
		}
		sess.LastActiveAt = now
		out, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(sess.ID), out)
	})
	if err != nil {
		return fmt.Errorf("op=bolt.upsert_session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(_ domain.Context, id string) (domain.Session, error) {
	var sess domain.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return domain.ErrNotFound
		}
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("op=bolt.get_session: %w", err)
	}
	return sess, nil
}

var _ domain.WorkOrderStore = (*Store)(nil)

package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// AppendAudit writes one immutable audit entry.
func (s *Store) AppendAudit(ctx domain.Context, e domain.AuditLog) error {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.Append")
	defer span.End()

	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	dj, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("op=audit.append: %w", err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err = s.Pool.Exec(ctx,
		`INSERT INTO audit_logs (work_order_id, session_id, actor, action, status, details, ts)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.WorkOrderID, e.SessionID, e.Actor, e.Action, e.Status, dj, e.Timestamp)
	if err != nil {
		return fmt.Errorf("op=audit.append: %w", err)
	}
	return nil
}

// ListAudit returns entries for one order ordered by timestamp.
func (s *Store) ListAudit(ctx domain.Context, workOrderID string, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id, work_order_id, session_id, actor, action, status, details, ts
		 FROM audit_logs WHERE ($1 = '' OR work_order_id=$1) ORDER BY id ASC LIMIT $2`,
		workOrderID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=audit.list: %w", err)
	}
	defer rows.Close()
	var out []domain.AuditLog
	for rows.Next() {
		var e domain.AuditLog
		var dj []byte
		if err := rows.Scan(&e.ID, &e.WorkOrderID, &e.SessionID, &e.Actor, &e.Action, &e.Status, &dj, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("op=audit.list: %w", err)
		}
		if err := json.Unmarshal(dj, &e.Details); err != nil {
			return nil, fmt.Errorf("op=audit.list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=audit.list: %w", err)
	}
	return out, nil
}

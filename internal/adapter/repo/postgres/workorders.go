package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// Store implements domain.WorkOrderStore on PostgreSQL. Status writes are
// serialised per row by compare-and-set on the status column.
type Store struct{ Pool PgxPool }

// NewStore constructs a Store with the given pool.
func NewStore(p PgxPool) *Store { return &Store{Pool: p} }

// Backend identifies this store in health output.
func (s *Store) Backend() string { return "postgres" }

// Ping checks connectivity to the primary backend.
func (s *Store) Ping(ctx domain.Context) error {
	if _, err := s.Pool.Exec(ctx, `SELECT 1`); err != nil {
		return fmt.Errorf("op=workorders.ping: %w: %w", domain.ErrStorageUnavailable, err)
	}
	return nil
}

const workOrderColumns = `id, session_id, signature, intent, difficulty, owner, status,
	compressed_context, relevant_files, qa_requirements, qa_spec_ref, equipment_hint,
	retry_count, max_retries, escalation_chain, last_error, result_output,
	cost_usd, prompt_tokens, completion_tokens, created_at, updated_at, completed_at`

// CreateWorkOrder inserts a new order with status queued.
func (s *Store) CreateWorkOrder(ctx domain.Context, wo domain.WorkOrder) (string, error) {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.Create")
	defer span.End()

	if wo.ID == "" {
		return "", fmt.Errorf("op=workorders.create: %w: id required", domain.ErrInvalidArgument)
	}
	files, err := json.Marshal(emptyIfNil(wo.RelevantFiles))
	if err != nil {
		return "", fmt.Errorf("op=workorders.create: %w", err)
	}
	chain, err := json.Marshal(emptyTiersIfNil(wo.EscalationChain))
	if err != nil {
		return "", fmt.Errorf("op=workorders.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO work_orders (id, session_id, signature, intent, difficulty, owner, status,
		compressed_context, relevant_files, qa_requirements, qa_spec_ref, equipment_hint,
		retry_count, max_retries, escalation_chain, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,$13,$14,$15,$15)`
	_, err = s.Pool.Exec(ctx, q, wo.ID, wo.SessionID, wo.Signature, wo.Intent, wo.Difficulty, wo.Owner,
		domain.StatusQueued, wo.CompressedContext, files, wo.QARequirements, wo.QASpecRef,
		wo.EquipmentHint, wo.MaxRetries, chain, now)
	if err != nil {
		return "", fmt.Errorf("op=workorders.create: %w", err)
	}
	return wo.ID, nil
}

// GetWorkOrder loads one order by id.
func (s *Store) GetWorkOrder(ctx domain.Context, id string) (domain.WorkOrder, error) {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.Get")
	defer span.End()

	row := s.Pool.QueryRow(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id=$1`, id)
	wo, err := scanWorkOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WorkOrder{}, fmt.Errorf("op=workorders.get: %w", domain.ErrNotFound)
		}
		return domain.WorkOrder{}, fmt.Errorf("op=workorders.get: %w", err)
	}
	return wo, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	var files, chain []byte
	var completed *time.Time
	err := row.Scan(&wo.ID, &wo.SessionID, &wo.Signature, &wo.Intent, &wo.Difficulty, &wo.Owner, &wo.Status,
		&wo.CompressedContext, &files, &wo.QARequirements, &wo.QASpecRef, &wo.EquipmentHint,
		&wo.RetryCount, &wo.MaxRetries, &chain, &wo.LastError, &wo.ResultOutput,
		&wo.CostUSD, &wo.PromptTokens, &wo.CompletionTokens, &wo.CreatedAt, &wo.UpdatedAt, &completed)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := json.Unmarshal(files, &wo.RelevantFiles); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := json.Unmarshal(chain, &wo.EscalationChain); err != nil {
		return domain.WorkOrder{}, err
	}
	wo.CompletedAt = completed
	return wo, nil
}

// TransitionStatus performs the compare-and-set status write. A zero-row
// update means the CAS lost or the transition is disallowed.
func (s *Store) TransitionStatus(ctx domain.Context, id string, from, to domain.Status, reason string) error {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.TransitionStatus")
	defer span.End()

	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=workorders.transition: %s -> %s: %w", from, to, domain.ErrConflictingState)
	}
	q := `UPDATE work_orders SET status=$3, updated_at=$4,
		last_error = CASE WHEN $5 <> '' AND $3 IN ('failed','blocked','cancelled') THEN $5 ELSE last_error END,
		completed_at = CASE WHEN $3 = 'completed' AND completed_at IS NULL THEN $4 ELSE completed_at END
		WHERE id=$1 AND status=$2`
	tag, err := s.Pool.Exec(ctx, q, id, from, to, time.Now().UTC(), reason)
	if err != nil {
		return fmt.Errorf("op=workorders.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=workorders.transition: cas lost for %s: %w", id, domain.ErrConflictingState)
	}
	return nil
}

// Escalate promotes the order to nextTier in one CAS update: owner changes,
// the tier is appended to the chain, and the retry budget resets.
func (s *Store) Escalate(ctx domain.Context, id string, from domain.Status, nextTier domain.Tier) error {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.Escalate")
	defer span.End()

	if !domain.CanTransition(from, domain.StatusEscalated) {
		return fmt.Errorf("op=workorders.escalate: %s -> escalated: %w", from, domain.ErrConflictingState)
	}
	q := `UPDATE work_orders SET status='escalated', owner=$3, retry_count=0,
		escalation_chain = escalation_chain || to_jsonb($3::text), updated_at=$4
		WHERE id=$1 AND status=$2`
	tag, err := s.Pool.Exec(ctx, q, id, from, nextTier, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=workorders.escalate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=workorders.escalate: cas lost for %s: %w", id, domain.ErrConflictingState)
	}
	return nil
}

// RecordAttempt appends the metric row and folds usage into the order
// totals. Cross-row atomicity is not required; totals only ever grow.
func (s *Store) RecordAttempt(ctx domain.Context, id string, m domain.AgentMetric) error {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.RecordAttempt")
	defer span.End()

	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	q := `INSERT INTO agent_metrics (work_order_id, agent_name, role, model, provider, success,
		latency_ms, prompt_tokens, completion_tokens, cost_usd, delivery_count, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := s.Pool.Exec(ctx, q, id, m.AgentName, m.Role, m.Model, m.Provider, m.Success,
		m.LatencyMS, m.PromptTokens, m.CompletionTokens, m.CostUSD, m.DeliveryCount, m.Timestamp)
	if err != nil {
		return fmt.Errorf("op=workorders.record_attempt: %w", err)
	}

	retryBump := 0
	if !m.Success {
		retryBump = 1
	}
	q = `UPDATE work_orders SET
		cost_usd = cost_usd + $2,
		prompt_tokens = prompt_tokens + $3,
		completion_tokens = completion_tokens + $4,
		retry_count = LEAST(retry_count + $5, max_retries),
		updated_at = $6
		WHERE id=$1`
	tag, err := s.Pool.Exec(ctx, q, id, m.CostUSD, m.PromptTokens, m.CompletionTokens, retryBump, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=workorders.record_attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=workorders.record_attempt: %w", domain.ErrNotFound)
	}
	return nil
}

// BumpRetry increments the retry counter, capped at the order's max.
func (s *Store) BumpRetry(ctx domain.Context, id string) (int, error) {
	row := s.Pool.QueryRow(ctx,
		`UPDATE work_orders SET
			retry_count = LEAST(retry_count + 1, max_retries),
			updated_at = $2
		 WHERE id=$1 RETURNING retry_count`, id, time.Now().UTC())
	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=workorders.bump_retry: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=workorders.bump_retry: %w", err)
	}
	return count, nil
}

// RecordResult stores the final output and stamps completed_at.
func (s *Store) RecordResult(ctx domain.Context, id string, output string) error {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.RecordResult")
	defer span.End()

	now := time.Now().UTC()
	tag, err := s.Pool.Exec(ctx,
		`UPDATE work_orders SET result_output=$2, completed_at=$3, updated_at=$3 WHERE id=$1`,
		id, output, now)
	if err != nil {
		return fmt.Errorf("op=workorders.record_result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=workorders.record_result: %w", domain.ErrNotFound)
	}
	return nil
}

// QueryWorkOrders lists orders matching the filter, newest first.
func (s *Store) QueryWorkOrders(ctx domain.Context, f domain.WorkOrderFilter) ([]domain.WorkOrder, error) {
	tracer := otel.Tracer("repo.workorders")
	ctx, span := tracer.Start(ctx, "workorders.Query")
	defer span.End()

	q := `SELECT ` + workOrderColumns + ` FROM work_orders WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		q += fmt.Sprintf(" AND %s=$%d", clause, n)
		args = append(args, v)
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.Owner != "" {
		add("owner", f.Owner)
	}
	if f.SessionID != "" {
		add("session_id", f.SessionID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", limit)

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=workorders.query: %w", err)
	}
	defer rows.Close()
	var out []domain.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("op=workorders.query: %w", err)
		}
		out = append(out, wo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=workorders.query: %w", err)
	}
	return out, nil
}

// QuerySystemStatus counts orders per status.
func (s *Store) QuerySystemStatus(ctx domain.Context) (domain.SystemStatus, error) {
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM work_orders GROUP BY status`)
	if err != nil {
		return domain.SystemStatus{}, fmt.Errorf("op=workorders.system_status: %w", err)
	}
	defer rows.Close()
	counts := map[domain.Status]int64{}
	for rows.Next() {
		var st domain.Status
		var c int64
		if err := rows.Scan(&st, &c); err != nil {
			return domain.SystemStatus{}, fmt.Errorf("op=workorders.system_status: %w", err)
		}
		counts[st] = c
	}
	if err := rows.Err(); err != nil {
		return domain.SystemStatus{}, fmt.Errorf("op=workorders.system_status: %w", err)
	}
	return domain.SystemStatus{CountsByStatus: counts, StoreBackend: s.Backend()}, nil
}

// FindRecentBySignature implements the creation dedup window.
func (s *Store) FindRecentBySignature(ctx domain.Context, sessionID, signature string, window time.Duration) (domain.WorkOrder, error) {
	cutoff := time.Now().UTC().Add(-window)
	row := s.Pool.QueryRow(ctx, `SELECT `+workOrderColumns+` FROM work_orders
		WHERE session_id=$1 AND signature=$2 AND created_at >= $3
		ORDER BY created_at DESC LIMIT 1`, sessionID, signature, cutoff)
	wo, err := scanWorkOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WorkOrder{}, fmt.Errorf("op=workorders.find_signature: %w", domain.ErrNotFound)
		}
		return domain.WorkOrder{}, fmt.Errorf("op=workorders.find_signature: %w", err)
	}
	return wo, nil
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func emptyTiersIfNil(v []domain.Tier) []domain.Tier {
	if v == nil {
		return []domain.Tier{}
	}
	return v
}

var _ domain.WorkOrderStore = (*Store)(nil)

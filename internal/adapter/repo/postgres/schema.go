package postgres

import (
	"context"
	"fmt"
)

// schemaDDL creates the four persisted tables plus the daily cost aggregate.
// Statements are idempotent so startup can apply them unconditionally.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS work_orders (
		id                 TEXT PRIMARY KEY,
		session_id         TEXT NOT NULL DEFAULT '',
		signature          TEXT NOT NULL DEFAULT '',
		intent             TEXT NOT NULL DEFAULT '',
		difficulty         TEXT NOT NULL,
		owner              TEXT NOT NULL,
		status             TEXT NOT NULL,
		compressed_context TEXT NOT NULL DEFAULT '',
		relevant_files     JSONB NOT NULL DEFAULT '[]',
		qa_requirements    TEXT NOT NULL DEFAULT '',
		qa_spec_ref        TEXT NOT NULL DEFAULT '',
		equipment_hint     TEXT NOT NULL DEFAULT '',
		retry_count        INT NOT NULL DEFAULT 0,
		max_retries        INT NOT NULL DEFAULT 3,
		escalation_chain   JSONB NOT NULL DEFAULT '[]',
		last_error         TEXT NOT NULL DEFAULT '',
		result_output      TEXT NOT NULL DEFAULT '',
		cost_usd           DOUBLE PRECISION NOT NULL DEFAULT 0,
		prompt_tokens      BIGINT NOT NULL DEFAULT 0,
		completion_tokens  BIGINT NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at       TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_orders_status_updated ON work_orders (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_work_orders_session_created ON work_orders (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id            BIGSERIAL PRIMARY KEY,
		work_order_id TEXT NOT NULL DEFAULT '',
		session_id    TEXT NOT NULL DEFAULT '',
		actor         TEXT NOT NULL,
		action        TEXT NOT NULL,
		status        TEXT NOT NULL,
		details       JSONB NOT NULL DEFAULT '{}',
		ts            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_ts ON audit_logs (ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_wo_ts ON audit_logs (work_order_id, ts)`,
	`CREATE TABLE IF NOT EXISTS agent_metrics (
		id                BIGSERIAL PRIMARY KEY,
		work_order_id     TEXT NOT NULL,
		agent_name        TEXT NOT NULL DEFAULT '',
		role              TEXT NOT NULL DEFAULT '',
		model             TEXT NOT NULL DEFAULT '',
		provider          TEXT NOT NULL DEFAULT '',
		success           BOOLEAN NOT NULL,
		latency_ms        BIGINT NOT NULL DEFAULT 0,
		prompt_tokens     BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
		delivery_count    BIGINT NOT NULL DEFAULT 1,
		ts                TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_metrics_ts_agent ON agent_metrics (ts, agent_name)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		channel          TEXT NOT NULL DEFAULT '',
		external_user_id TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_active_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS daily_costs (
		day      TEXT PRIMARY KEY,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
}

// EnsureSchema applies the idempotent DDL set.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
		}
	}
	return nil
}

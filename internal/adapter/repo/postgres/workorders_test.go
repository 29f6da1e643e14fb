package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// fakePool is a minimal PgxPool stand-in: canned Exec results, scripted
// QueryRow scans.
type fakePool struct {
	execTag  pgconn.CommandTag
	execErr  error
	execSQL  []string
	execArgs [][]any
	rowScan  func(dest ...any) error
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return f.execTag, f.execErr
}

func (f *fakePool) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func (f *fakePool) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return fakeRow{scan: f.rowScan}
}

func TestTransitionStatus_DisallowedRejectedBeforeWrite(t *testing.T) {
	t.Parallel()
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1")}
	store := postgres.NewStore(pool)

	err := store.TransitionStatus(context.Background(), "wo-1", domain.StatusQueued, domain.StatusCompleted, "")
	require.ErrorIs(t, err, domain.ErrConflictingState)
	assert.Empty(t, pool.execSQL, "disallowed transition must not touch the database")
}

func TestTransitionStatus_CASLost(t *testing.T) {
	t.Parallel()
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 0")}
	store := postgres.NewStore(pool)

	err := store.TransitionStatus(context.Background(), "wo-1", domain.StatusQueued, domain.StatusInProgress, "")
	require.ErrorIs(t, err, domain.ErrConflictingState)
	assert.Len(t, pool.execSQL, 1)
}

func TestTransitionStatus_OK(t *testing.T) {
	t.Parallel()
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1")}
	store := postgres.NewStore(pool)

	err := store.TransitionStatus(context.Background(), "wo-1", domain.StatusInProgress, domain.StatusFailed, "model timeout")
	require.NoError(t, err)
	require.Len(t, pool.execArgs, 1)
	assert.Contains(t, pool.execArgs[0], "model timeout")
}

func TestEscalate_CASAndValidation(t *testing.T) {
	t.Parallel()
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1")}
	store := postgres.NewStore(pool)

	// completed -> escalated is not allowed.
	err := store.Escalate(context.Background(), "wo-1", domain.StatusCompleted, domain.TierDirector)
	require.ErrorIs(t, err, domain.ErrConflictingState)
	assert.Empty(t, pool.execSQL)

	require.NoError(t, store.Escalate(context.Background(), "wo-1", domain.StatusFailed, domain.TierDirector))
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "retry_count=0")
	assert.Contains(t, pool.execSQL[0], "escalation_chain")

	pool.execTag = pgconn.NewCommandTag("UPDATE 0")
	err = store.Escalate(context.Background(), "wo-1", domain.StatusFailed, domain.TierCEO)
	require.ErrorIs(t, err, domain.ErrConflictingState)
}

func TestRecordAttempt_FailureBumpsRetryWithinCap(t *testing.T) {
	t.Parallel()
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1")}
	store := postgres.NewStore(pool)

	err := store.RecordAttempt(context.Background(), "wo-1", domain.AgentMetric{Success: false, CostUSD: 0.1})
	require.NoError(t, err)
	require.Len(t, pool.execSQL, 2, "metric insert plus totals update")
	assert.Contains(t, pool.execSQL[1], "LEAST(retry_count + $5, max_retries)")
	assert.Equal(t, 1, pool.execArgs[1][4], "failed attempt bumps retry_count")

	pool.execSQL, pool.execArgs = nil, nil
	require.NoError(t, store.RecordAttempt(context.Background(), "wo-1", domain.AgentMetric{Success: true}))
	assert.Equal(t, 0, pool.execArgs[1][4], "successful attempt leaves retry_count alone")
}

func TestCreateWorkOrder_RequiresID(t *testing.T) {
	t.Parallel()
	store := postgres.NewStore(&fakePool{execTag: pgconn.NewCommandTag("INSERT 0 1")})
	_, err := store.CreateWorkOrder(context.Background(), domain.WorkOrder{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDailyCost_NoRowsMeansZero(t *testing.T) {
	t.Parallel()
	pool := &fakePool{rowScan: func(...any) error { return pgx.ErrNoRows }}
	store := postgres.NewStore(pool)

	total, err := store.DailyCost(context.Background(), "2026-08-26")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAddDailyCost_RejectsNegative(t *testing.T) {
	t.Parallel()
	store := postgres.NewStore(&fakePool{})
	_, err := store.AddDailyCost(context.Background(), "2026-08-26", -0.5)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

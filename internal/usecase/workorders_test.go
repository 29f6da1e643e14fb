package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/equipment"
	"github.com/fairyhunter13/agent-scheduler/internal/config"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
	"github.com/fairyhunter13/agent-scheduler/internal/usecase"
)

func newIngress(t *testing.T, cfg config.Config) (*usecase.WorkOrders, *fakeQueue, *fakeBus, domain.WorkOrderStore) {
	t.Helper()
	store := newStore(t)
	queue := &fakeQueue{}
	bus := &fakeBus{}
	admin := usecase.NewAdmin(equipment.NewRegistry(time.Second), cfg.CompressedContextMaxTokens)
	svc := usecase.NewWorkOrders(store, queue, bus, admin, fakeLimiter{allowed: true}, cfg)
	return svc, queue, bus, store
}

func TestCreate_HappyPath(t *testing.T) {
	svc, queue, bus, store := newIngress(t, config.Config{MaxRetries: 3, DailyCostCapUSD: 25})
	ctx := context.Background()

	res, err := svc.Create(ctx, usecase.CreateInput{
		RawMessage: "fix the nil pointer crash in server.go when the config is empty",
		SessionID:  "sess-1",
		Channel:    "telegram",
		Principal:  "user-42",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, domain.DifficultyNormal, res.Difficulty)
	assert.Equal(t, domain.TierDirector, res.Owner)
	assert.Equal(t, domain.StatusQueued, res.Status)

	wo, err := store.GetWorkOrder(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix_bug", wo.Intent)
	assert.Contains(t, wo.RelevantFiles, "server.go")
	assert.Equal(t, 3, wo.MaxRetries)
	assert.Equal(t, []domain.Tier{domain.TierDirector}, wo.EscalationChain)

	pend := queue.pending()
	require.Len(t, pend, 1)
	assert.Equal(t, res.ID, pend[0].payload.WorkOrderID)
	assert.Equal(t, 1, pend[0].payload.Attempt)

	sess, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "user-42", sess.ExternalUserID)

	require.Len(t, bus.events, 1)
	assert.Equal(t, domain.StatusQueued, bus.events[0].Status)

	audit, err := store.ListAudit(ctx, res.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	assert.Equal(t, "created", audit[0].Action)
}

func TestCreate_ValidationAndRateLimit(t *testing.T) {
	svc, _, _, _ := newIngress(t, config.Config{})
	ctx := context.Background()

	_, err := svc.Create(ctx, usecase.CreateInput{RawMessage: "   "})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	store := newStore(t)
	admin := usecase.NewAdmin(nil, 0)
	limited := usecase.NewWorkOrders(store, &fakeQueue{}, &fakeBus{}, admin, fakeLimiter{allowed: false}, config.Config{})
	_, err = limited.Create(ctx, usecase.CreateInput{RawMessage: "fix this bug please"})
	require.ErrorIs(t, err, domain.ErrRateLimited)

	orders, err := store.QueryWorkOrders(ctx, domain.WorkOrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders, "rejected requests never create work orders")
}

func TestCreate_BudgetCapBlocksAtIngress(t *testing.T) {
	svc, queue, _, store := newIngress(t, config.Config{DailyCostCapUSD: 10})
	ctx := context.Background()

	day := time.Now().UTC().Format("2006-01-02")
	_, err := store.AddDailyCost(ctx, day, 10)
	require.NoError(t, err)

	_, err = svc.Create(ctx, usecase.CreateInput{RawMessage: "write a summary of the report", SessionID: "s1"})
	require.ErrorIs(t, err, domain.ErrBudgetExceeded)
	assert.Empty(t, queue.pending())

	orders, err := store.QueryWorkOrders(ctx, domain.WorkOrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders, "no work order row on budget block")

	audit, err := store.ListAudit(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "system", audit[0].Actor)
	assert.Equal(t, "budget_block", audit[0].Action)
}

func TestCreate_DedupWindowReturnsSameOrder(t *testing.T) {
	svc, queue, _, _ := newIngress(t, config.Config{DedupWindow: time.Minute})
	ctx := context.Background()

	in := usecase.CreateInput{RawMessage: "add a retry flag to the export command", SessionID: "sess-dup"}
	first, err := svc.Create(ctx, in)
	require.NoError(t, err)
	second, err := svc.Create(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Deduplicated)
	assert.Len(t, queue.pending(), 1, "duplicate is not enqueued again")

	// A different session is a different order.
	third, err := svc.Create(ctx, usecase.CreateInput{RawMessage: in.RawMessage, SessionID: "sess-other"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCreate_UnclearAsksForClarification(t *testing.T) {
	svc, queue, _, store := newIngress(t, config.Config{})
	ctx := context.Background()

	res, err := svc.Create(ctx, usecase.CreateInput{RawMessage: "help", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, domain.DifficultyUnclear, res.Difficulty)
	assert.Equal(t, domain.StatusCancelled, res.Status)
	assert.NotEmpty(t, res.ClarifyingQuestion)
	assert.Empty(t, queue.pending(), "unclear requests are never enqueued")

	wo, err := store.GetWorkOrder(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, wo.Status)
	assert.Equal(t, "classification unclear", wo.LastError)

	audit, err := store.ListAudit(ctx, res.ID, 10)
	require.NoError(t, err)
	assert.Contains(t, auditActions(audit), "clarification_requested")
}

func TestResume_AfterClarification(t *testing.T) {
	svc, queue, _, _ := newIngress(t, config.Config{})
	ctx := context.Background()

	unclear, err := svc.Create(ctx, usecase.CreateInput{RawMessage: "help", SessionID: "s1"})
	require.NoError(t, err)

	res, err := svc.Resume(ctx, unclear.ID, "I need you to fix the failing login test in auth_test.go")
	require.NoError(t, err)
	assert.NotEqual(t, unclear.ID, res.ID, "resume creates a fresh order")
	assert.Equal(t, domain.StatusQueued, res.Status)
	assert.NotEqual(t, domain.DifficultyUnclear, res.Difficulty)
	assert.Len(t, queue.pending(), 1)

	// Resuming a normal completed/queued order is rejected.
	_, err = svc.Resume(ctx, res.ID, "more detail")
	require.ErrorIs(t, err, domain.ErrConflictingState)
}

func TestCancel_QueuedAndTerminal(t *testing.T) {
	svc, _, bus, store := newIngress(t, config.Config{})
	ctx := context.Background()

	res, err := svc.Create(ctx, usecase.CreateInput{RawMessage: "write release notes for v2", SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, res.ID, "user changed their mind"))
	wo, err := store.GetWorkOrder(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, wo.Status)
	assert.NotEmpty(t, bus.byStatus(domain.StatusCancelled))

	err = svc.Cancel(ctx, res.ID, "again")
	require.ErrorIs(t, err, domain.ErrConflictingState)
}

func TestCreate_EnqueueFailureLeavesNoRunnableState(t *testing.T) {
	svc, queue, _, store := newIngress(t, config.Config{})
	ctx := context.Background()

	queue.failNext = true
	_, err := svc.Create(ctx, usecase.CreateInput{RawMessage: "write a haiku about queues", SessionID: "s1"})
	require.ErrorIs(t, err, domain.ErrQueueUnavailable)

	orders, err := store.QueryWorkOrders(ctx, domain.WorkOrderFilter{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.StatusCancelled, orders[0].Status, "unenqueued order cannot dangle as queued")
}

func TestMetrics_Window(t *testing.T) {
	svc, _, _, store := newIngress(t, config.Config{})
	ctx := context.Background()

	res, err := svc.Create(ctx, usecase.CreateInput{RawMessage: "fix flaky test in ci", SessionID: "s1"})
	require.NoError(t, err)
	require.NoError(t, store.RecordAttempt(ctx, res.ID, domain.AgentMetric{
		Success: true, CostUSD: 0.5, PromptTokens: 100, CompletionTokens: 20,
	}))

	sum, err := svc.Metrics(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sum.Cost.CostUSD, 1e-9)
	assert.EqualValues(t, 1, sum.Status.CountsByStatus[domain.StatusQueued])
}

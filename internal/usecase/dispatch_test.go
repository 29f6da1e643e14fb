package usecase_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/equipment"
	"github.com/fairyhunter13/agent-scheduler/internal/adapter/repo/bolt"
	"github.com/fairyhunter13/agent-scheduler/internal/config"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
	"github.com/fairyhunter13/agent-scheduler/internal/qa"
	"github.com/fairyhunter13/agent-scheduler/internal/usecase"
)

type dispatchEnv struct {
	store *bolt.Store
	queue *fakeQueue
	bus   *fakeBus
	model *scriptedModel
	disp  *usecase.Dispatcher
}

func newDispatchEnv(t *testing.T, model *scriptedModel, validator usecase.QAValidator, cfg config.Config) *dispatchEnv {
	t.Helper()
	store := newStore(t)
	queue := &fakeQueue{}
	bus := &fakeBus{}
	if validator == nil {
		validator = passValidator{}
	}
	esc := usecase.NewEscalationController(nil)
	retry := domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	disp := usecase.NewDispatcher(store, queue, bus, model,
		equipment.NewRegistry(time.Second), validator, esc,
		config.DefaultTierTable(), retry, cfg)
	return &dispatchEnv{store: store, queue: queue, bus: bus, model: model, disp: disp}
}

func (e *dispatchEnv) createOrder(t *testing.T, wo domain.WorkOrder) string {
	t.Helper()
	if wo.ID == "" {
		wo.ID = fmt.Sprintf("wo-%d", time.Now().UnixNano())
	}
	if wo.MaxRetries == 0 {
		wo.MaxRetries = 3
	}
	if len(wo.EscalationChain) == 0 {
		wo.EscalationChain = []domain.Tier{wo.Owner}
	}
	id, err := e.store.CreateWorkOrder(context.Background(), wo)
	require.NoError(t, err)
	return id
}

func msg(id string, attempt int, delivery int64) domain.QueueMessage {
	return domain.QueueMessage{
		EntryID:       fmt.Sprintf("e-%s-%d", id, attempt),
		WorkOrderID:   id,
		Payload:       domain.DispatchPayload{WorkOrderID: id, Attempt: attempt},
		DeliveryCount: delivery,
	}
}

func TestDispatch_TrivialPassFirstAttempt(t *testing.T) {
	model := &scriptedModel{steps: []func() (domain.ModelResponse, error){modelOK("hello", 0.001)}}
	env := newDispatchEnv(t, model, nil, config.Config{})
	ctx := context.Background()

	id := env.createOrder(t, domain.WorkOrder{
		Owner: domain.TierIntern, Difficulty: domain.DifficultyTrivial,
		CompressedContext: "goal: echo hello",
	})
	env.disp.Handle(ctx, msg(id, 1, 1))

	wo, err := env.store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, wo.Status)
	assert.Equal(t, "hello", wo.ResultOutput)
	assert.Zero(t, wo.RetryCount)
	assert.Equal(t, []domain.Tier{domain.TierIntern}, wo.EscalationChain)
	assert.NotNil(t, wo.CompletedAt)
	assert.Equal(t, 1, model.callCount())
	assert.Equal(t, 1, env.queue.ackCount())

	// Events: in_progress then completed, in transition order.
	require.Len(t, env.bus.events, 2)
	assert.Equal(t, domain.StatusInProgress, env.bus.events[0].Status)
	assert.Equal(t, domain.StatusCompleted, env.bus.events[1].Status)
}

func TestDispatch_EquipmentShortcutSkipsModel(t *testing.T) {
	model := &scriptedModel{steps: []func() (domain.ModelResponse, error){modelOK("unused", 1)}}
	env := newDispatchEnv(t, model, nil, config.Config{})
	ctx := context.Background()

	id := env.createOrder(t, domain.WorkOrder{
		Owner: domain.TierIntern, EquipmentHint: "echo",
		CompressedContext: "payload to echo",
	})
	env.disp.Handle(ctx, msg(id, 1, 1))

	wo, err := env.store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, wo.Status)
	assert.Equal(t, "payload to echo", wo.ResultOutput)
	assert.Zero(t, wo.CostUSD)
	assert.Zero(t, model.callCount(), "equipment runs bypass the model")
}

func TestDispatch_QARetryThenPass(t *testing.T) {
	model := &scriptedModel{steps: []func() (domain.ModelResponse, error){
		modelOK("Here is: {name: alice}", 0.01),
		modelOK(`{"name":"alice","age":30}`, 0.01),
	}}
	validator := qa.NewValidator(qa.StaticStore{"person": {
		Name:   "person",
		Format: &domain.QAFormatSection{Type: "json", RequiredKeys: []string{"name", "age"}},
	}}, config.Config{})
	env := newDispatchEnv(t, model, validator, config.Config{})
	ctx := context.Background()

	id := env.createOrder(t, domain.WorkOrder{
		Owner: domain.TierDirector, Difficulty: domain.DifficultyNormal,
		QASpecRef: "person", CompressedContext: "produce JSON {name, age}",
	})

	env.disp.Handle(ctx, msg(id, 1, 1))
	wo, err := env.store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, wo.Status)
	assert.Equal(t, 1, wo.RetryCount, "validation failure bumps retries")
	assert.Contains(t, wo.LastError, "qa failed")

	// The failure was requeued with backoff.
	pend := env.queue.pending()
	require.Len(t, pend, 1)
	assert.Positive(t, pend[0].delay)

	env.disp.Handle(ctx, msg(id, 2, 1))
	wo, err = env.store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, wo.Status)
	assert.Equal(t, 1, wo.RetryCount)
	assert.Equal(t, []domain.Tier{domain.TierDirector}, wo.EscalationChain)
	assert.Equal(t, 2, model.callCount())

	// Both model invocations succeeded from the model's perspective; the
	// validation failure lives in the audit trail.
	cost, err := env.store.QueryCost(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, cost.Invocations)

	audit, err := env.store.ListAudit(ctx, id, 100)
	require.NoError(t, err)
	actions := auditActions(audit)
	assert.Contains(t, actions, "qa_failed")
	assert.Contains(t, actions, "qa_passed")
}

func TestDispatch_TransientExhaustionAtCEONotifiesBoard(t *testing.T) {
	model := &scriptedModel{steps: []func() (domain.ModelResponse, error){
		modelErr(fmt.Errorf("%w: chat status 503", domain.ErrModelTransient)),
	}}
	env := newDispatchEnv(t, model, nil, config.Config{})
	ctx := context.Background()

	id := env.createOrder(t, domain.WorkOrder{
		Owner: domain.TierCEO, Difficulty: domain.DifficultyComplex, MaxRetries: 3,
		CompressedContext: "hard problem",
	})

	for attempt := 1; attempt <= 3; attempt++ {
		env.disp.Handle(ctx, msg(id, attempt, 1))
	}

	wo, err := env.store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, wo.Status)
	assert.Equal(t, 3, wo.RetryCount)
	assert.Equal(t, []domain.Tier{domain.TierCEO}, wo.EscalationChain)
	assert.NotEmpty(t, wo.LastError)

	board := 0
	for _, ev := range env.bus.byStatus(domain.StatusBlocked) {
		if ev.Detail == domain.EventBoardNotify {
			board++
		}
	}
	assert.Equal(t, 1, board, "exactly one board notification")

	audit, err := env.store.ListAudit(ctx, id, 100)
	require.NoError(t, err)
	assert.Contains(t, auditActions(audit), "board_notify")
}

func TestDispatch_ExhaustionBelowTopEscalates(t *testing.T) {
	model := &scriptedModel{steps: []func() (domain.ModelResponse, error){
		modelErr(fmt.Errorf("%w: timeout", domain.ErrModelTransient)),
	}}
	env := newDispatchEnv(t, model, nil, config.Config{})
	ctx := context.Background()

	id := env.createOrder(t, domain.WorkOrder{
		Owner: domain.TierIntern, MaxRetries: 1, CompressedContext: "flaky",
	})

	// One failure exhausts the single-retry budget at intern.
	env.disp.Handle(ctx, msg(id, 1, 1))

	wo, err := env.store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEscalated, wo.Status)
	assert.Equal(t, domain.TierDirector, wo.Owner)
	assert.Equal(t, []domain.Tier{domain.TierIntern, domain.TierDirector}, wo.EscalationChain)
	assert.Zero(t, wo.RetryCount, "escalation resets the retry budget")

	pend := env.queue.pending()
	require.Len(t, pend, 1)
	assert.Zero(t, pend[0].delay, "escalated orders requeue immediately")
}

func TestDispatch_PermanentFailureBlocks(t *testing.T) {
	model := &scriptedModel{steps: []func() (domain.ModelResponse, error){
		modelErr(fmt.Errorf("%w: chat status 401", domain.ErrModelPermanent)),
	}}
	env := newDispatchEnv(t, model, nil, config.Config{})
	ctx := context.Background()

	id := env.createOrder(t, domain.WorkOrder{Owner: domain.TierIntern, CompressedContext: "x"})
	env.disp.Handle(ctx, msg(id, 1, 1))

	wo, err := env.store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, wo.Status)
	assert.Contains(t, wo.LastError, "permanent failure")
	assert.Empty(t, env.queue.pending(), "no redelivery for permanent failures")
}

func TestDispatch_SecurityViolationBlocksWithoutRetry(t *testing.T) {
	leak := "config: api_key=sk-abcdefghijklmnopqrstuvwx"
	model := &scriptedModel{steps: []func() (domain.ModelResponse, error){modelOK(leak, 0.01)}}
	validator := qa.NewValidator(qa.StaticStore{"sec": {
		Name: "sec", Security: &domain.QASecuritySection{},
	}}, config.Config{})
	env := newDispatchEnv(t, model, validator, config.Config{})
	ctx := context.Background()

	id := env.createOrder(t, domain.WorkOrder{
		Owner: domain.TierIntern, QASpecRef: "sec", CompressedContext: "x",
	})
	env.disp.Handle(ctx, msg(id, 1, 1))

	wo, err := env.store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, wo.Status)
	assert.Contains(t, wo.LastError, "security")
	assert.NotContains(t, wo.LastError, "abcdefghijklmnop", "the secret never reaches stored state")
	assert.Empty(t, env.queue.pending())
	assert.Zero(t, wo.RetryCount, "security failures are not retried")

	audit, err := env.store.ListAudit(ctx, id, 100)
	require.NoError(t, err)
	for _, e := range audit {
		for _, v := range e.Details {
			assert.NotContains(t, fmt.Sprint(v), "abcdefghijklmnop")
		}
	}
}

func TestDispatch_DuplicateDeliveryDropped(t *testing.T) {
	model := &scriptedModel{steps: []func() (domain.ModelResponse, error){modelOK("ok", 0)}}
	env := newDispatchEnv(t, model, nil, config.Config{})
	ctx := context.Background()

	id := env.createOrder(t, domain.WorkOrder{Owner: domain.TierIntern, CompressedContext: "x"})
	require.NoError(t, env.store.TransitionStatus(ctx, id, domain.StatusQueued, domain.StatusInProgress, ""))

	// First delivery while another consumer runs the attempt: drop.
	env.disp.Handle(ctx, msg(id, 1, 1))
	assert.Zero(t, model.callCount())
	assert.Equal(t, 1, env.queue.ackCount())

	// Terminal orders also drop.
	require.NoError(t, env.store.TransitionStatus(ctx, id, domain.StatusInProgress, domain.StatusCompleted, ""))
	env.disp.Handle(ctx, msg(id, 1, 1))
	assert.Zero(t, model.callCount())
	assert.Equal(t, 2, env.queue.ackCount())
}

func TestDispatch_StaleRedeliveryRerunsAttempt(t *testing.T) {
	model := &scriptedModel{steps: []func() (domain.ModelResponse, error){modelOK("recovered", 0.002)}}
	env := newDispatchEnv(t, model, nil, config.Config{})
	ctx := context.Background()

	// A consumer crashed mid-attempt: order stuck in in_progress, message
	// reclaimed with delivery_count=2.
	id := env.createOrder(t, domain.WorkOrder{Owner: domain.TierIntern, CompressedContext: "x"})
	require.NoError(t, env.store.TransitionStatus(ctx, id, domain.StatusQueued, domain.StatusInProgress, ""))

	env.disp.Handle(ctx, msg(id, 1, 2))

	wo, err := env.store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, wo.Status)
	assert.Equal(t, "recovered", wo.ResultOutput)
	assert.Equal(t, 1, model.callCount(), "fresh model call, prior output was never persisted")
}

func TestDispatch_CancelledMidFlightDiscardsOutput(t *testing.T) {
	env := &dispatchEnv{}
	store := newStore(t)
	queue := &fakeQueue{}
	bus := &fakeBus{}
	ctx := context.Background()

	id, err := store.CreateWorkOrder(ctx, domain.WorkOrder{
		ID: "wo-cancel", Owner: domain.TierIntern, MaxRetries: 3,
		EscalationChain: []domain.Tier{domain.TierIntern}, CompressedContext: "x",
	})
	require.NoError(t, err)

	// The model call races with an external cancel.
	model := &scriptedModel{steps: []func() (domain.ModelResponse, error){
		func() (domain.ModelResponse, error) {
			require.NoError(t, store.TransitionStatus(ctx, id, domain.StatusInProgress, domain.StatusCancelled, "user cancelled"))
			return domain.ModelResponse{Output: "late result"}, nil
		},
	}}
	env.disp = usecase.NewDispatcher(store, queue, bus, model,
		equipment.NewRegistry(time.Second), passValidator{},
		usecase.NewEscalationController(nil), config.DefaultTierTable(),
		domain.DefaultRetryPolicy(), config.Config{})

	env.disp.Handle(ctx, msg(id, 1, 1))

	wo, err := store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, wo.Status)
	assert.Empty(t, wo.ResultOutput, "output produced after cancel is discarded")

	audit, err := store.ListAudit(ctx, id, 100)
	require.NoError(t, err)
	assert.Contains(t, auditActions(audit), "attempt_discarded")
}

func TestDispatch_BudgetGateBlocksBeforeModelCall(t *testing.T) {
	model := &scriptedModel{steps: []func() (domain.ModelResponse, error){modelOK("x", 0)}}
	env := newDispatchEnv(t, model, nil, config.Config{DailyCostCapUSD: 1})
	ctx := context.Background()

	day := time.Now().UTC().Format("2006-01-02")
	_, err := env.store.AddDailyCost(ctx, day, 1.5)
	require.NoError(t, err)

	id := env.createOrder(t, domain.WorkOrder{Owner: domain.TierIntern, CompressedContext: "x"})
	env.disp.Handle(ctx, msg(id, 1, 1))

	wo, err := env.store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, wo.Status)
	assert.Equal(t, "budget_exceeded", wo.LastError)
	assert.Zero(t, model.callCount())
}

func auditActions(entries []domain.AuditLog) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

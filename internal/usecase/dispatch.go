package usecase

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/agent-scheduler/internal/config"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// QAValidator gates attempt outputs. Satisfied by qa.Validator.
type QAValidator interface {
	Validate(ctx domain.Context, workOrderID, specRef, output string) domain.QAVerdict
}

// Dispatcher is the long-running worker pool. Each worker loops
// consume -> load -> execute -> validate -> write back -> publish -> ack.
// It is the sole place that decides retry vs escalate vs block.
type Dispatcher struct {
	store     domain.WorkOrderStore
	queue     domain.Queue
	bus       domain.EventBus
	model     domain.ModelClient
	equipment domain.EquipmentRunner
	validator QAValidator
	esc       *EscalationController
	tiers     config.TierTable
	retry     domain.RetryPolicy
	cfg       config.Config
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(
	store domain.WorkOrderStore,
	queue domain.Queue,
	bus domain.EventBus,
	model domain.ModelClient,
	equipment domain.EquipmentRunner,
	validator QAValidator,
	esc *EscalationController,
	tiers config.TierTable,
	retry domain.RetryPolicy,
	cfg config.Config,
) *Dispatcher {
	return &Dispatcher{
		store: store, queue: queue, bus: bus, model: model,
		equipment: equipment, validator: validator, esc: esc,
		tiers: tiers, retry: retry, cfg: cfg,
	}
}

// Run starts the worker pool plus the stale-claim loop and blocks until ctx
// is cancelled.
func (d *Dispatcher) Run(ctx domain.Context) {
	workers := d.cfg.DispatcherWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "dispatcher"
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-%d", host, i)
		go func() {
			defer wg.Done()
			d.consumeLoop(ctx, consumer)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.claimLoop(ctx, host+"-claimer")
	}()

	slog.Info("dispatcher started", slog.Int("workers", workers))
	wg.Wait()
}

func (d *Dispatcher) consumeLoop(ctx domain.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := d.queue.Consume(ctx, consumer, 1, d.cfg.QueueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("queue consume failed", slog.String("consumer", consumer), slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			// Non-blocking backends need a pause between polls.
			if d.cfg.QueueBlock <= 0 {
				time.Sleep(100 * time.Millisecond)
			}
			continue
		}
		for _, m := range msgs {
			d.Handle(ctx, m)
		}
	}
}

func (d *Dispatcher) claimLoop(ctx domain.Context, consumer string) {
	idle := d.cfg.QueueIdleClaim
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msgs, err := d.queue.ClaimStale(ctx, consumer, idle, 10)
		if err != nil {
			slog.Error("stale claim failed", slog.Any("error", err))
			continue
		}
		for _, m := range msgs {
			observability.QueueClaimsTotal.Inc()
			slog.Info("reclaimed stale entry",
				slog.String("work_order_id", m.WorkOrderID),
				slog.Int64("delivery_count", m.DeliveryCount))
			d.Handle(ctx, m)
		}
	}
}

// Handle processes one delivered message end to end and acks it. Exported
// for direct use in tests; Run feeds it from the consume and claim loops.
func (d *Dispatcher) Handle(ctx domain.Context, msg domain.QueueMessage) {
	log := slog.With(
		slog.String("work_order_id", msg.WorkOrderID),
		slog.String("entry_id", msg.EntryID),
		slog.Int64("delivery_count", msg.DeliveryCount),
	)

	wo, err := d.store.GetWorkOrder(ctx, msg.WorkOrderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("dropping entry for unknown work order")
			d.ack(ctx, msg.EntryID)
			return
		}
		// Storage hiccup: leave the entry pending for redelivery.
		log.Error("load work order failed", slog.Any("error", err))
		return
	}

	from := wo.Status
	switch wo.Status {
	case domain.StatusQueued, domain.StatusFailed, domain.StatusEscalated:
	case domain.StatusInProgress:
		if msg.DeliveryCount <= 1 {
			log.Debug("duplicate delivery for running order, dropping")
			d.ack(ctx, msg.EntryID)
			return
		}
		// Reclaimed after a crash mid-attempt. The prior output was never
		// persisted; mark the attempt failed and rerun from scratch.
		if err := d.store.TransitionStatus(ctx, wo.ID, domain.StatusInProgress, domain.StatusFailed, "stale redelivery after crash"); err != nil {
			log.Warn("stale takeover lost", slog.Any("error", err))
			d.ack(ctx, msg.EntryID)
			return
		}
		from = domain.StatusFailed
	default:
		// Terminal: duplicate or late redelivery.
		d.ack(ctx, msg.EntryID)
		return
	}

	if err := d.store.TransitionStatus(ctx, wo.ID, from, domain.StatusInProgress, ""); err != nil {
		// Another consumer won the CAS, or the order was cancelled.
		log.Debug("transition to in_progress lost", slog.Any("error", err))
		d.ack(ctx, msg.EntryID)
		return
	}
	d.publish(ctx, domain.ProgressEvent{
		WorkOrderID: wo.ID, Status: domain.StatusInProgress,
		Tier: wo.Owner, Attempt: msg.Payload.Attempt,
	})

	if d.budgetExhausted(ctx, wo, log) {
		d.ack(ctx, msg.EntryID)
		return
	}

	observability.WorkOrdersInFlight.Inc()
	resp, execErr := d.execute(ctx, wo)
	observability.WorkOrdersInFlight.Dec()

	// Cancellation checkpoint: anything produced after an external cancel
	// is discarded.
	if cur, err := d.store.GetWorkOrder(ctx, wo.ID); err == nil && cur.Status == domain.StatusCancelled {
		log.Info("order cancelled mid-flight, discarding attempt output")
		_ = d.store.AppendAudit(ctx, domain.AuditLog{
			WorkOrderID: wo.ID, SessionID: wo.SessionID,
			Actor: "dispatcher", Action: "attempt_discarded", Status: domain.AuditOK,
			Details: map[string]any{"reason": "cancelled"},
		})
		d.ack(ctx, msg.EntryID)
		return
	}

	if execErr != nil {
		d.handleExecError(ctx, wo, msg, execErr, log)
		return
	}
	d.handleExecSuccess(ctx, wo, msg, resp, log)
}

// execute runs one attempt: the registered equipment script when hinted,
// otherwise the tier's model.
func (d *Dispatcher) execute(ctx domain.Context, wo domain.WorkOrder) (domain.ModelResponse, error) {
	if wo.EquipmentHint != "" && d.equipment != nil && d.equipment.Known(wo.EquipmentHint) {
		started := time.Now()
		out, err := d.equipment.Run(ctx, wo.EquipmentHint, wo.CompressedContext)
		if err != nil {
			return domain.ModelResponse{}, fmt.Errorf("%w: equipment %s: %w", domain.ErrModelTransient, wo.EquipmentHint, err)
		}
		return domain.ModelResponse{
			Output:    out,
			Model:     "equipment/" + wo.EquipmentHint,
			Provider:  "equipment",
			LatencyMS: time.Since(started).Milliseconds(),
		}, nil
	}
	return d.model.Complete(ctx, domain.ModelRequest{
		Tier:         wo.Owner,
		SystemPrompt: systemPrompt(wo),
		UserPrompt:   userPrompt(wo),
	})
}

func (d *Dispatcher) handleExecError(ctx domain.Context, wo domain.WorkOrder, msg domain.QueueMessage, execErr error, log *slog.Logger) {
	metric := domain.AgentMetric{
		AgentName:     string(wo.Owner) + "-agent",
		Role:          wo.Owner,
		Success:       false,
		DeliveryCount: msg.DeliveryCount,
	}
	if tm, ok := d.tiers[wo.Owner]; ok {
		metric.Model, metric.Provider = tm.Model, tm.Provider
	}
	if err := d.store.RecordAttempt(ctx, wo.ID, metric); err != nil {
		log.Error("record attempt failed", slog.Any("error", err))
	}
	_ = d.store.AppendAudit(ctx, domain.AuditLog{
		WorkOrderID: wo.ID, SessionID: wo.SessionID,
		Actor: "dispatcher", Action: "attempt_failed", Status: domain.AuditFailure,
		Details: map[string]any{"error": execErr.Error(), "tier": string(wo.Owner)},
	})

	if domain.Permanent(execErr) {
		observability.DispatchAttemptsTotal.WithLabelValues(string(wo.Owner), "blocked").Inc()
		d.block(ctx, wo, msg, "permanent failure: "+execErr.Error(), false, log)
		return
	}

	observability.DispatchAttemptsTotal.WithLabelValues(string(wo.Owner), "transient_error").Inc()
	d.decide(ctx, wo, msg, execErr.Error(), "retry", true, log)
}

func (d *Dispatcher) handleExecSuccess(ctx domain.Context, wo domain.WorkOrder, msg domain.QueueMessage, resp domain.ModelResponse, log *slog.Logger) {
	metric := domain.AgentMetric{
		AgentName:        string(wo.Owner) + "-agent",
		Role:             wo.Owner,
		Model:            resp.Model,
		Provider:         resp.Provider,
		Success:          true,
		LatencyMS:        resp.LatencyMS,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CostUSD:          resp.CostUSD,
		DeliveryCount:    msg.DeliveryCount,
	}
	if err := d.store.RecordAttempt(ctx, wo.ID, metric); err != nil {
		log.Error("record attempt failed", slog.Any("error", err))
	}
	if resp.CostUSD > 0 {
		day := time.Now().UTC().Format("2006-01-02")
		if total, err := d.store.AddDailyCost(ctx, day, resp.CostUSD); err == nil {
			observability.DailyCostUSD.Set(total)
		}
	}

	verdict := d.validator.Validate(ctx, wo.ID, wo.QASpecRef, resp.Output)

	if verdict.Passed {
		if err := d.store.RecordResult(ctx, wo.ID, resp.Output); err != nil {
			log.Error("record result failed", slog.Any("error", err))
		}
		if err := d.store.TransitionStatus(ctx, wo.ID, domain.StatusInProgress, domain.StatusCompleted, ""); err != nil {
			log.Warn("completion transition lost", slog.Any("error", err))
			d.ack(ctx, msg.EntryID)
			return
		}
		_ = d.store.AppendAudit(ctx, domain.AuditLog{
			WorkOrderID: wo.ID, SessionID: wo.SessionID,
			Actor: "qa", Action: "qa_passed", Status: domain.AuditOK,
			Details: map[string]any{"spec": wo.QASpecRef},
		})
		observability.DispatchAttemptsTotal.WithLabelValues(string(wo.Owner), "completed").Inc()
		d.publish(ctx, domain.ProgressEvent{
			WorkOrderID: wo.ID, Status: domain.StatusCompleted,
			Tier: wo.Owner, Attempt: msg.Payload.Attempt, Detail: "completed",
		})
		d.ack(ctx, msg.EntryID)
		return
	}

	reason := strings.Join(verdict.FailedReasons, "; ")
	_ = d.store.AppendAudit(ctx, domain.AuditLog{
		WorkOrderID: wo.ID, SessionID: wo.SessionID,
		Actor: "qa", Action: "qa_failed", Status: domain.AuditFailure,
		Details: map[string]any{
			"spec":               wo.QASpecRef,
			"reasons":            verdict.FailedReasons,
			"retry_recommended":  verdict.RetryRecommended,
			"security_violation": verdict.SecurityViolation,
		},
	})

	if verdict.SecurityViolation {
		observability.DispatchAttemptsTotal.WithLabelValues(string(wo.Owner), "security_blocked").Inc()
		d.block(ctx, wo, msg, "security: "+reason, false, log)
		return
	}

	if _, err := d.store.BumpRetry(ctx, wo.ID); err != nil {
		log.Error("retry bump failed", slog.Any("error", err))
	}
	retryable := verdict.RetryRecommended && !d.cfg.QAStrictMode
	observability.DispatchAttemptsTotal.WithLabelValues(string(wo.Owner), "qa_failed").Inc()
	d.decide(ctx, wo, msg, "qa failed: "+reason, "qa_failed_retry", retryable, log)
}

// decide executes the escalation controller's verdict for a failed attempt.
// The store has already absorbed the retry bump; reload for current counts.
func (d *Dispatcher) decide(ctx domain.Context, stale domain.WorkOrder, msg domain.QueueMessage, reason, retryDetail string, transient bool, log *slog.Logger) {
	wo, err := d.store.GetWorkOrder(ctx, stale.ID)
	if err != nil {
		log.Error("reload after attempt failed", slog.Any("error", err))
		d.ack(ctx, msg.EntryID)
		return
	}

	switch d.esc.NextAction(wo, transient) {
	case ActionRetrySameTier:
		if err := d.store.TransitionStatus(ctx, wo.ID, domain.StatusInProgress, domain.StatusFailed, reason); err != nil {
			log.Warn("failure transition lost", slog.Any("error", err))
			d.ack(ctx, msg.EntryID)
			return
		}
		delay := d.retry.Delay(wo.RetryCount)
		if err := d.queue.EnqueueAfter(ctx, domain.DispatchPayload{
			WorkOrderID: wo.ID, Attempt: msg.Payload.Attempt + 1, Reason: "retry",
		}, delay); err != nil {
			log.Error("retry enqueue failed", slog.Any("error", err))
		}
		d.publish(ctx, domain.ProgressEvent{
			WorkOrderID: wo.ID, Status: domain.StatusFailed, Tier: wo.Owner,
			Attempt: msg.Payload.Attempt, Detail: retryDetail,
		})
		log.Info("attempt failed, retrying",
			slog.Int("retry_count", wo.RetryCount), slog.Duration("delay", delay))

	case ActionEscalateNextTier:
		next, _ := d.esc.NextTier(wo.Owner)
		if err := d.store.Escalate(ctx, wo.ID, domain.StatusInProgress, next); err != nil {
			log.Warn("escalation transition lost", slog.Any("error", err))
			d.ack(ctx, msg.EntryID)
			return
		}
		_ = d.store.AppendAudit(ctx, domain.AuditLog{
			WorkOrderID: wo.ID, SessionID: wo.SessionID,
			Actor: "dispatcher", Action: "escalated", Status: domain.AuditOK,
			Details: map[string]any{"from": string(wo.Owner), "to": string(next), "reason": reason},
		})
		observability.EscalationsTotal.WithLabelValues(string(wo.Owner), string(next)).Inc()
		if _, err := d.queue.Enqueue(ctx, domain.DispatchPayload{
			WorkOrderID: wo.ID, Attempt: msg.Payload.Attempt + 1, Reason: "escalated",
		}); err != nil {
			log.Error("escalation enqueue failed", slog.Any("error", err))
		}
		d.publish(ctx, domain.ProgressEvent{
			WorkOrderID: wo.ID, Status: domain.StatusEscalated, Tier: next,
			Attempt: msg.Payload.Attempt, Detail: reason,
		})
		log.Info("escalated", slog.String("to", string(next)))

	case ActionNotifyBoard:
		d.block(ctx, wo, msg, reason, true, log)
		return

	case ActionBlock:
		d.block(ctx, wo, msg, reason, false, log)
		return
	}
	d.ack(ctx, msg.EntryID)
}

// block transitions the order to blocked; board marks the high-priority
// top-of-ladder exhaustion case.
func (d *Dispatcher) block(ctx domain.Context, wo domain.WorkOrder, msg domain.QueueMessage, reason string, board bool, log *slog.Logger) {
	if err := d.store.TransitionStatus(ctx, wo.ID, domain.StatusInProgress, domain.StatusBlocked, reason); err != nil {
		log.Warn("block transition lost", slog.Any("error", err))
		d.ack(ctx, msg.EntryID)
		return
	}
	detail := reason
	if board {
		detail = domain.EventBoardNotify
		observability.BoardNotificationsTotal.Inc()
		_ = d.store.AppendAudit(ctx, domain.AuditLog{
			WorkOrderID: wo.ID, SessionID: wo.SessionID,
			Actor: "dispatcher", Action: "board_notify", Status: domain.AuditFailure,
			Details: map[string]any{"reason": reason, "tier": string(wo.Owner)},
		})
	}
	d.publish(ctx, domain.ProgressEvent{
		WorkOrderID: wo.ID, Status: domain.StatusBlocked, Tier: wo.Owner,
		Attempt: msg.Payload.Attempt, Detail: detail,
	})
	log.Warn("order blocked", slog.String("reason", reason), slog.Bool("board", board))
	d.ack(ctx, msg.EntryID)
}

// budgetExhausted applies the best-effort pre-dispatch budget gate. Races
// permit small overshoot; the hard gate lives at ingress.
func (d *Dispatcher) budgetExhausted(ctx domain.Context, wo domain.WorkOrder, log *slog.Logger) bool {
	if d.cfg.DailyCostCapUSD <= 0 {
		return false
	}
	day := time.Now().UTC().Format("2006-01-02")
	spent, err := d.store.DailyCost(ctx, day)
	if err != nil || spent < d.cfg.DailyCostCapUSD {
		return false
	}
	_ = d.store.AppendAudit(ctx, domain.AuditLog{
		WorkOrderID: wo.ID, SessionID: wo.SessionID,
		Actor: "system", Action: "budget_block", Status: domain.AuditFailure,
		Details: map[string]any{"day": day, "spent_usd": spent, "cap_usd": d.cfg.DailyCostCapUSD},
	})
	if err := d.store.TransitionStatus(ctx, wo.ID, domain.StatusInProgress, domain.StatusBlocked, "budget_exceeded"); err != nil {
		log.Warn("budget block transition lost", slog.Any("error", err))
		return true
	}
	observability.BoardNotificationsTotal.Inc()
	d.publish(ctx, domain.ProgressEvent{
		WorkOrderID: wo.ID, Status: domain.StatusBlocked, Tier: wo.Owner,
		Detail: domain.EventBoardNotify,
	})
	log.Warn("order blocked by daily budget", slog.Float64("spent_usd", spent))
	return true
}

func (d *Dispatcher) ack(ctx domain.Context, entryID string) {
	if err := d.queue.Ack(ctx, entryID); err != nil {
		slog.Error("ack failed", slog.String("entry_id", entryID), slog.Any("error", err))
	}
}

func (d *Dispatcher) publish(ctx domain.Context, ev domain.ProgressEvent) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, ev); err != nil {
		slog.Warn("progress event publish failed",
			slog.String("work_order_id", ev.WorkOrderID), slog.Any("error", err))
	}
}

func systemPrompt(wo domain.WorkOrder) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent in a tiered scheduling system. Complete the work order below.", wo.Owner)
	if wo.QARequirements != "" {
		fmt.Fprintf(&b, "\nSuccess criteria: %s", wo.QARequirements)
	}
	if wo.QASpecRef != "" {
		b.WriteString("\nYour output will be validated mechanically; follow the requested format exactly.")
	}
	return b.String()
}

func userPrompt(wo domain.WorkOrder) string {
	var b strings.Builder
	b.WriteString(wo.CompressedContext)
	if len(wo.RelevantFiles) > 0 {
		fmt.Fprintf(&b, "\nRelevant files: %s", strings.Join(wo.RelevantFiles, ", "))
	}
	if wo.LastError != "" {
		fmt.Fprintf(&b, "\nThe previous attempt failed: %s. Address this.", wo.LastError)
	}
	return b.String()
}

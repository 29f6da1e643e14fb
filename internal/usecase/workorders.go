package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/agent-scheduler/internal/config"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
	"github.com/fairyhunter13/agent-scheduler/pkg/textx"
)

const maxRawMessageLen = 32 << 10

// WorkOrders is the ingress service: classification, admission control and
// creation, plus the read-side queries the HTTP surface exposes.
type WorkOrders struct {
	store   domain.WorkOrderStore
	queue   domain.Queue
	bus     domain.EventBus
	admin   *Admin
	limiter domain.RateLimiter
	cfg     config.Config
}

// NewWorkOrders wires the ingress service.
func NewWorkOrders(store domain.WorkOrderStore, queue domain.Queue, bus domain.EventBus, admin *Admin, limiter domain.RateLimiter, cfg config.Config) *WorkOrders {
	return &WorkOrders{store: store, queue: queue, bus: bus, admin: admin, limiter: limiter, cfg: cfg}
}

// CreateInput is one ingress request.
type CreateInput struct {
	RawMessage string
	SessionID  string
	Channel    string
	Principal  string
	History    []string
}

// CreateResult is returned synchronously after classification and enqueue.
type CreateResult struct {
	ID         string            `json:"id"`
	Difficulty domain.Difficulty `json:"difficulty"`
	Owner      domain.Tier       `json:"owner"`
	Status     domain.Status     `json:"status"`
	// ClarifyingQuestion is set for unclear requests; no work was enqueued.
	ClarifyingQuestion string `json:"clarifying_question,omitempty"`
	// Deduplicated marks a hit on the idempotency window: ID refers to the
	// earlier order.
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// Create runs the full ingress path: rate limit, budget gate, dedup,
// classification, persist, enqueue. Unclear requests are recorded as
// cancelled with a clarifying question and never enqueued.
func (s *WorkOrders) Create(ctx domain.Context, in CreateInput) (CreateResult, error) {
	raw := strings.TrimSpace(in.RawMessage)
	if raw == "" {
		return CreateResult{}, fmt.Errorf("op=workorders.create: %w: empty message", domain.ErrInvalidArgument)
	}
	if len(raw) > maxRawMessageLen {
		return CreateResult{}, fmt.Errorf("op=workorders.create: %w: message exceeds %d bytes", domain.ErrInvalidArgument, maxRawMessageLen)
	}

	principal := in.Principal
	if principal == "" {
		principal = "anonymous"
	}
	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(ctx, principal)
		if err != nil {
			return CreateResult{}, fmt.Errorf("op=workorders.create: %w", err)
		}
		if !allowed {
			return CreateResult{}, fmt.Errorf("op=workorders.create: %w: retry after %s", domain.ErrRateLimited, retryAfter)
		}
	}

	// Budget gate: at or past the daily cap no new work enters the system.
	day := time.Now().UTC().Format("2006-01-02")
	if s.cfg.DailyCostCapUSD > 0 {
		spent, err := s.store.DailyCost(ctx, day)
		if err != nil {
			return CreateResult{}, fmt.Errorf("op=workorders.create: %w", err)
		}
		if spent >= s.cfg.DailyCostCapUSD {
			_ = s.store.AppendAudit(ctx, domain.AuditLog{
				SessionID: in.SessionID,
				Actor:     "system",
				Action:    "budget_block",
				Status:    domain.AuditFailure,
				Details: map[string]any{
					"day":       day,
					"spent_usd": spent,
					"cap_usd":   s.cfg.DailyCostCapUSD,
					"principal": principal,
				},
			})
			return CreateResult{}, fmt.Errorf("op=workorders.create: %w: daily cap %.2f USD reached", domain.ErrBudgetExceeded, s.cfg.DailyCostCapUSD)
		}
	}

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}
	if err := s.store.UpsertSession(ctx, domain.Session{
		ID:             sessionID,
		Channel:        in.Channel,
		ExternalUserID: principal,
	}); err != nil {
		return CreateResult{}, fmt.Errorf("op=workorders.create: %w", err)
	}

	// Idempotency: the same message in the same session inside the window
	// returns the earlier order instead of a duplicate.
	sig := messageSignature(sessionID, raw)
	if s.cfg.DedupWindow > 0 {
		if prev, err := s.store.FindRecentBySignature(ctx, sessionID, sig, s.cfg.DedupWindow); err == nil {
			return CreateResult{
				ID: prev.ID, Difficulty: prev.Difficulty, Owner: prev.Owner,
				Status: prev.Status, Deduplicated: true,
			}, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return CreateResult{}, fmt.Errorf("op=workorders.create: %w", err)
		}
	}

	c := s.admin.Classify(ctx, raw, in.History, in.Channel)

	wo := domain.WorkOrder{
		ID:                ulid.Make().String(),
		SessionID:         sessionID,
		Signature:         sig,
		Intent:            c.Intent,
		Difficulty:        c.Difficulty,
		Owner:             c.Owner,
		CompressedContext: c.CompressedContext,
		RelevantFiles:     c.RelevantFiles,
		QARequirements:    c.QARequirements,
		EquipmentHint:     c.EquipmentHint,
		MaxRetries:        s.cfg.MaxRetries,
		EscalationChain:   []domain.Tier{c.Owner},
	}

	if c.Difficulty == domain.DifficultyUnclear {
		// Recorded as cancelled with an explanatory audit entry: the user
		// gets the question, the trail stays queryable, nothing is enqueued.
		// The raw message is kept so Resume can merge the reply into it.
		wo.CompressedContext = textx.TruncateRunes(raw, 2000)
		if _, err := s.store.CreateWorkOrder(ctx, wo); err != nil {
			return CreateResult{}, fmt.Errorf("op=workorders.create: %w", err)
		}
		if err := s.store.TransitionStatus(ctx, wo.ID, domain.StatusQueued, domain.StatusCancelled, "classification unclear"); err != nil {
			return CreateResult{}, fmt.Errorf("op=workorders.create: %w", err)
		}
		_ = s.store.AppendAudit(ctx, domain.AuditLog{
			WorkOrderID: wo.ID, SessionID: sessionID,
			Actor: "admin", Action: "clarification_requested", Status: domain.AuditOK,
			Details: map[string]any{"question": c.ClarifyingQuestion},
		})
		return CreateResult{
			ID: wo.ID, Difficulty: c.Difficulty, Owner: c.Owner,
			Status: domain.StatusCancelled, ClarifyingQuestion: c.ClarifyingQuestion,
		}, nil
	}

	id, err := s.store.CreateWorkOrder(ctx, wo)
	if err != nil {
		return CreateResult{}, fmt.Errorf("op=workorders.create: %w", err)
	}
	_ = s.store.AppendAudit(ctx, domain.AuditLog{
		WorkOrderID: id, SessionID: sessionID,
		Actor: "admin", Action: "created", Status: domain.AuditOK,
		Details: map[string]any{
			"intent": c.Intent, "difficulty": string(c.Difficulty), "owner": string(c.Owner),
		},
	})

	if _, err := s.queue.Enqueue(ctx, domain.DispatchPayload{WorkOrderID: id, Attempt: 1, Reason: "created"}); err != nil {
		// No partial state for the caller: the order exists but cannot run,
		// so cancel it and surface queue unavailability.
		if terr := s.store.TransitionStatus(ctx, id, domain.StatusQueued, domain.StatusCancelled, "enqueue failed"); terr != nil {
			slog.Error("failed to cancel unenqueued order",
				slog.String("work_order_id", id), slog.Any("error", terr))
		}
		return CreateResult{}, fmt.Errorf("op=workorders.create: %w", err)
	}

	observability.WorkOrdersCreatedTotal.WithLabelValues(string(c.Difficulty)).Inc()
	s.publish(ctx, domain.ProgressEvent{
		WorkOrderID: id, Status: domain.StatusQueued, Tier: c.Owner, Attempt: 0,
		Detail: "created",
	})
	return CreateResult{ID: id, Difficulty: c.Difficulty, Owner: c.Owner, Status: domain.StatusQueued}, nil
}

// Get loads one order.
func (s *WorkOrders) Get(ctx domain.Context, id string) (domain.WorkOrder, error) {
	if id == "" {
		return domain.WorkOrder{}, fmt.Errorf("op=workorders.get: %w: empty id", domain.ErrInvalidArgument)
	}
	return s.store.GetWorkOrder(ctx, id)
}

// List queries orders by filter.
func (s *WorkOrders) List(ctx domain.Context, f domain.WorkOrderFilter) ([]domain.WorkOrder, error) {
	return s.store.QueryWorkOrders(ctx, f)
}

// Audit returns the audit trail for one order.
func (s *WorkOrders) Audit(ctx domain.Context, id string, limit int) ([]domain.AuditLog, error) {
	return s.store.ListAudit(ctx, id, limit)
}

// MetricsSummary is the ingress metrics payload.
type MetricsSummary struct {
	Cost   domain.CostSummary  `json:"cost"`
	Status domain.SystemStatus `json:"status"`
}

// Metrics aggregates spend and status counts over the window.
func (s *WorkOrders) Metrics(ctx domain.Context, from, to time.Time) (MetricsSummary, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	cost, err := s.store.QueryCost(ctx, from, to)
	if err != nil {
		return MetricsSummary{}, fmt.Errorf("op=workorders.metrics: %w", err)
	}
	status, err := s.store.QuerySystemStatus(ctx)
	if err != nil {
		return MetricsSummary{}, fmt.Errorf("op=workorders.metrics: %w", err)
	}
	return MetricsSummary{Cost: cost, Status: status}, nil
}

// Resume continues a conversation after an unclear classification: the user
// reply is appended to the original message and the merged request goes
// through Create again as a fresh order in the same session.
func (s *WorkOrders) Resume(ctx domain.Context, id, userReply string) (CreateResult, error) {
	reply := strings.TrimSpace(userReply)
	if reply == "" {
		return CreateResult{}, fmt.Errorf("op=workorders.resume: %w: empty reply", domain.ErrInvalidArgument)
	}
	prior, err := s.store.GetWorkOrder(ctx, id)
	if err != nil {
		return CreateResult{}, fmt.Errorf("op=workorders.resume: %w", err)
	}
	if prior.Status != domain.StatusCancelled || prior.Difficulty != domain.DifficultyUnclear {
		return CreateResult{}, fmt.Errorf("op=workorders.resume: %w: order %s is not awaiting clarification", domain.ErrConflictingState, id)
	}

	merged := prior.CompressedContext
	if merged == "" {
		merged = textx.CollapseWhitespace(prior.Intent)
	}
	res, err := s.Create(ctx, CreateInput{
		RawMessage: strings.TrimSpace(merged + "\n" + reply),
		SessionID:  prior.SessionID,
		Principal:  "resume",
		History:    []string{merged},
	})
	if err != nil {
		return CreateResult{}, err
	}
	_ = s.store.AppendAudit(ctx, domain.AuditLog{
		WorkOrderID: res.ID, SessionID: prior.SessionID,
		Actor: "admin", Action: "resumed", Status: domain.AuditOK,
		Details: map[string]any{"prior_work_order_id": id},
	})
	return res, nil
}

// Cancel requests cancellation of a queued or running order. The dispatcher
// observes the terminal status at its next checkpoint and discards any
// in-flight output.
func (s *WorkOrders) Cancel(ctx domain.Context, id, reason string) error {
	wo, err := s.store.GetWorkOrder(ctx, id)
	if err != nil {
		return fmt.Errorf("op=workorders.cancel: %w", err)
	}
	if reason == "" {
		reason = "cancelled by user"
	}
	switch wo.Status {
	case domain.StatusQueued, domain.StatusInProgress:
		if err := s.store.TransitionStatus(ctx, id, wo.Status, domain.StatusCancelled, reason); err != nil {
			return fmt.Errorf("op=workorders.cancel: %w", err)
		}
	default:
		return fmt.Errorf("op=workorders.cancel: %w: status %s", domain.ErrConflictingState, wo.Status)
	}
	_ = s.store.AppendAudit(ctx, domain.AuditLog{
		WorkOrderID: id, SessionID: wo.SessionID,
		Actor: "user", Action: "cancelled", Status: domain.AuditOK,
		Details: map[string]any{"reason": reason},
	})
	s.publish(ctx, domain.ProgressEvent{
		WorkOrderID: id, Status: domain.StatusCancelled, Tier: wo.Owner,
		Attempt: wo.RetryCount, Detail: reason,
	})
	return nil
}

func (s *WorkOrders) publish(ctx domain.Context, ev domain.ProgressEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		slog.Warn("progress event publish failed",
			slog.String("work_order_id", ev.WorkOrderID), slog.Any("error", err))
	}
}

func messageSignature(sessionID, raw string) string {
	sum := sha256.Sum256([]byte(sessionID + "\x00" + raw))
	return hex.EncodeToString(sum[:])
}

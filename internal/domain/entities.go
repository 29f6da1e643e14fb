// Package domain defines the core entities, ports, and error taxonomy for the
// tiered-agent work-order scheduler.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflictingState   = errors.New("conflicting state")
	ErrRateLimited        = errors.New("rate limited")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrQueueUnavailable   = errors.New("queue unavailable")
	ErrModelTransient     = errors.New("model transient failure")
	ErrModelPermanent     = errors.New("model permanent failure")
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrCancelled          = errors.New("cancelled")
	ErrInternal           = errors.New("internal error")
)

// Tier is a named cost/capability level responsible for a work order.
type Tier string

const (
	TierIntern   Tier = "intern"
	TierDirector Tier = "director"
	TierCEO      Tier = "ceo"
	// TierAdmin owns classification only; it never appears in the
	// escalation ladder.
	TierAdmin Tier = "admin"
)

// Difficulty is the admin classifier's judgement of a request.
type Difficulty string

const (
	DifficultyTrivial Difficulty = "trivial"
	DifficultyNormal  Difficulty = "normal"
	DifficultyComplex Difficulty = "complex"
	DifficultyUnclear Difficulty = "unclear"
)

// OwnerForDifficulty maps a difficulty to the tier that first owns the order.
func OwnerForDifficulty(d Difficulty) Tier {
	switch d {
	case DifficultyTrivial:
		return TierIntern
	case DifficultyNormal:
		return TierDirector
	case DifficultyComplex:
		return TierCEO
	default:
		return TierAdmin
	}
}

// Status enumerates work-order lifecycle states.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusEscalated  Status = "escalated"
	StatusCancelled  Status = "cancelled"
	StatusBlocked    Status = "blocked"
)

// WorkOrder is one unit of user-originated work with a full lifecycle.
// Invariants: ID immutable; RetryCount <= MaxRetries; cost/token totals
// monotonically non-decreasing; EscalationChain append-only.
type WorkOrder struct {
	ID                string
	SessionID         string
	// Signature is the dedup key: SHA-256 over (session, raw message).
	Signature         string
	Intent            string
	Difficulty        Difficulty
	Owner             Tier
	Status            Status
	CompressedContext string
	RelevantFiles     []string
	QARequirements    string
	QASpecRef         string
	EquipmentHint     string
	RetryCount        int
	MaxRetries        int
	EscalationChain   []Tier
	LastError         string
	ResultOutput      string
	CostUSD           float64
	PromptTokens      int64
	CompletionTokens  int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// Terminal reports whether the order's status admits no further transitions.
func (w WorkOrder) Terminal() bool {
	switch w.Status {
	case StatusCompleted, StatusCancelled, StatusBlocked:
		return true
	}
	return false
}

// AuditLog is an append-only record of one actor action.
type AuditLog struct {
	ID          int64
	WorkOrderID string
	SessionID   string
	Actor       string
	Action      string
	Status      string
	Details     map[string]any
	Timestamp   time.Time
}

// Audit status values.
const (
	AuditOK      = "ok"
	AuditFailure = "failure"
)

// AgentMetric records one model (or equipment) invocation.
type AgentMetric struct {
	ID               int64
	WorkOrderID      string
	AgentName        string
	Role             Tier
	Model            string
	Provider         string
	Success          bool
	LatencyMS        int64
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
	DeliveryCount    int64
	Timestamp        time.Time
}

// Session correlates a stream of work orders from one user.
type Session struct {
	ID             string
	Channel        string
	ExternalUserID string
	CreatedAt      time.Time
	LastActiveAt   time.Time
}

// DispatchPayload is the message body carried through the queue for one
// attempt of a work order.
type DispatchPayload struct {
	WorkOrderID string `json:"work_order_id"`
	Attempt     int    `json:"attempt"`
	Reason      string `json:"reason,omitempty"`
}

// QueueMessage is one delivered queue entry. It lives until acked or
// reclaimed after the idle threshold.
type QueueMessage struct {
	EntryID       string
	WorkOrderID   string
	Payload       DispatchPayload
	DeliveryCount int64
}

// ProgressEvent is published on every noteworthy transition. Subscribers
// consume but never persist; missed events are recovered by polling the
// store.
type ProgressEvent struct {
	WorkOrderID string    `json:"work_order_id"`
	Status      Status    `json:"status"`
	Tier        Tier      `json:"tier"`
	Attempt     int       `json:"attempt"`
	Progress    string    `json:"progress,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventBoardNotify is the Detail marker for high-priority board events.
const EventBoardNotify = "board_notify"

// WorkOrderFilter narrows QueryWorkOrders.
type WorkOrderFilter struct {
	Status    Status
	Owner     Tier
	SessionID string
	Limit     int
}

// SystemStatus summarises current order counts by status.
type SystemStatus struct {
	CountsByStatus map[Status]int64 `json:"counts_by_status"`
	StoreBackend   string           `json:"store_backend"`
}

// CostSummary aggregates spend and token usage over a window.
type CostSummary struct {
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	CostUSD          float64   `json:"cost_usd"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Invocations      int64     `json:"invocations"`
}

// WorkOrderStore is the narrow transactional API all writes go through.
// TransitionStatus is a compare-and-set per id; both backends serialise
// status writes per row.
type WorkOrderStore interface {
	CreateWorkOrder(ctx Context, wo WorkOrder) (string, error)
	GetWorkOrder(ctx Context, id string) (WorkOrder, error)
	TransitionStatus(ctx Context, id string, from, to Status, reason string) error
	// Escalate moves the order to nextTier: owner updated, tier appended to
	// the escalation chain, retry count reset, status CAS from -> escalated.
	Escalate(ctx Context, id string, from Status, nextTier Tier) error
	RecordAttempt(ctx Context, id string, m AgentMetric) error
	// BumpRetry increments retry_count (capped at max_retries) and returns
	// the new value. Used for validation failures, where the model metric
	// itself records success.
	BumpRetry(ctx Context, id string) (int, error)
	RecordResult(ctx Context, id string, output string) error
	AppendAudit(ctx Context, e AuditLog) error
	ListAudit(ctx Context, workOrderID string, limit int) ([]AuditLog, error)
	QueryWorkOrders(ctx Context, f WorkOrderFilter) ([]WorkOrder, error)
	QuerySystemStatus(ctx Context) (SystemStatus, error)
	QueryCost(ctx Context, from, to time.Time) (CostSummary, error)
	// AddDailyCost increments the per-day aggregate and returns the new total.
	AddDailyCost(ctx Context, day string, usd float64) (float64, error)
	DailyCost(ctx Context, day string) (float64, error)
	// FindRecentBySignature returns a work order created within the dedup
	// window for the same (session, message signature), or ErrNotFound.
	FindRecentBySignature(ctx Context, sessionID, signature string, window time.Duration) (WorkOrder, error)
	UpsertSession(ctx Context, s Session) error
	GetSession(ctx Context, id string) (Session, error)
	Ping(ctx Context) error
}

// Queue is the at-least-once dispatch stream with consumer groups.
type Queue interface {
	Enqueue(ctx Context, p DispatchPayload) (string, error)
	// EnqueueAfter re-delivers the payload after the given delay. Used for
	// retry-with-backoff redelivery.
	EnqueueAfter(ctx Context, p DispatchPayload, delay time.Duration) error
	Consume(ctx Context, consumer string, max int, block time.Duration) ([]QueueMessage, error)
	Ack(ctx Context, entryID string) error
	ClaimStale(ctx Context, consumer string, minIdle time.Duration, max int) ([]QueueMessage, error)
}

// EventBus publishes progress events to live subscribers.
type EventBus interface {
	Publish(ctx Context, ev ProgressEvent) error
	Subscribe(ctx Context, workOrderID string) (<-chan ProgressEvent, func(), error)
}

// ModelRequest is one prompt sent to a concrete model.
type ModelRequest struct {
	Tier         Tier
	Model        string
	Provider     string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
}

// ModelResponse carries the output and the usage accounting for one call.
type ModelResponse struct {
	Output           string
	Model            string
	Provider         string
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
	LatencyMS        int64
}

// ModelClient abstracts the remote LLM APIs. Errors wrap ErrModelTransient
// or ErrModelPermanent so the dispatcher can decide retry vs block.
type ModelClient interface {
	Complete(ctx Context, req ModelRequest) (ModelResponse, error)
}

// EquipmentRunner executes a registered deterministic script as a substitute
// for a model call.
type EquipmentRunner interface {
	Known(name string) bool
	Run(ctx Context, name string, input string) (string, error)
}

// RateLimiter gates new work-order creation per ingress principal.
type RateLimiter interface {
	Allow(ctx Context, principal string) (allowed bool, retryAfter time.Duration, err error)
}

// Context aliases context.Context; adapters and usecases pass it through.
type Context = context.Context

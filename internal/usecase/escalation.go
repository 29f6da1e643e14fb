// Package usecase holds the application services: ingress (admin
// classification + work-order creation), the dispatcher loop, and the
// escalation controller. Adapters stay out; everything here speaks the
// domain ports.
package usecase

import (
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// NextAction is the escalation controller's decision after a failed attempt.
type NextAction string

const (
	ActionRetrySameTier    NextAction = "retry_same_tier"
	ActionEscalateNextTier NextAction = "escalate_next_tier"
	ActionNotifyBoard      NextAction = "notify_board"
	ActionBlock            NextAction = "block"
)

// EscalationController decides what happens after an attempt fails. It is a
// pure function over (order state, failure kind); the dispatcher executes
// the decision.
type EscalationController struct {
	ladder []domain.Tier
}

// NewEscalationController builds the controller over the configured tier
// ladder, conventionally intern -> director -> ceo. The admin tier is never
// part of the ladder.
func NewEscalationController(ladder []domain.Tier) *EscalationController {
	if len(ladder) == 0 {
		ladder = []domain.Tier{domain.TierIntern, domain.TierDirector, domain.TierCEO}
	}
	return &EscalationController{ladder: ladder}
}

// NextTier returns the rung above current, or false at the top. A tier not
// on the ladder (admin) has no next rung.
func (e *EscalationController) NextTier(current domain.Tier) (domain.Tier, bool) {
	for i, t := range e.ladder {
		if t == current && i+1 < len(e.ladder) {
			return e.ladder[i+1], true
		}
	}
	return "", false
}

// NextAction applies the decision function. transient marks failures worth
// repeating at the same tier (model timeouts, retry-recommended QA misses);
// permanent failures block immediately.
func (e *EscalationController) NextAction(wo domain.WorkOrder, transient bool) NextAction {
	if !transient {
		return ActionBlock
	}
	if wo.RetryCount < wo.MaxRetries {
		return ActionRetrySameTier
	}
	if _, ok := e.NextTier(wo.Owner); ok {
		return ActionEscalateNextTier
	}
	return ActionNotifyBoard
}

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// Sweeper recovers orders stranded by crashed workers: overaged in_progress
// rows are failed, and failed rows whose scheduled redelivery never came are
// re-enqueued. The dispatcher keeps ownership of retry/escalate decisions.
type Sweeper struct {
	store    domain.WorkOrderStore
	queue    domain.Queue
	maxAge   time.Duration
	interval time.Duration
}

// NewSweeper builds a sweeper; zero durations get safe defaults.
func NewSweeper(store domain.WorkOrderStore, queue domain.Queue, maxAge, interval time.Duration) *Sweeper {
	if store == nil || queue == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, queue: queue, maxAge: maxAge, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass. Exported so tests and operators can trigger
// it directly.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("workorders.sweeper")
	ctx, span := tracer.Start(ctx, "Sweeper.SweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxAge)
	failedStuck := s.failOveraged(ctx, cutoff)
	requeued := s.requeueStranded(ctx, cutoff)

	span.SetAttributes(
		attribute.Int("sweeper.marked_failed", failedStuck),
		attribute.Int("sweeper.requeued", requeued),
	)
	if failedStuck > 0 || requeued > 0 {
		slog.Info("sweep complete",
			slog.Int("marked_failed", failedStuck), slog.Int("requeued", requeued))
	}
}

func (s *Sweeper) failOveraged(ctx context.Context, cutoff time.Time) int {
	orders, err := s.store.QueryWorkOrders(ctx, domain.WorkOrderFilter{Status: domain.StatusInProgress})
	if err != nil {
		slog.Error("sweep list in_progress failed", slog.Any("error", err))
		return 0
	}
	n := 0
	for _, wo := range orders {
		if !wo.UpdatedAt.Before(cutoff) {
			continue
		}
		reason := fmt.Sprintf("processing exceeded %s", s.maxAge)
		if err := s.store.TransitionStatus(ctx, wo.ID, domain.StatusInProgress, domain.StatusFailed, reason); err != nil {
			// A worker finished the order between the query and the CAS.
			continue
		}
		_ = s.store.AppendAudit(ctx, domain.AuditLog{
			WorkOrderID: wo.ID, SessionID: wo.SessionID,
			Actor: "system", Action: "swept", Status: domain.AuditFailure,
			Details: map[string]any{"reason": reason},
		})
		n++
	}
	return n
}

func (s *Sweeper) requeueStranded(ctx context.Context, cutoff time.Time) int {
	orders, err := s.store.QueryWorkOrders(ctx, domain.WorkOrderFilter{Status: domain.StatusFailed})
	if err != nil {
		slog.Error("sweep list failed orders failed", slog.Any("error", err))
		return 0
	}
	n := 0
	for _, wo := range orders {
		if !wo.UpdatedAt.Before(cutoff) {
			continue
		}
		p := domain.DispatchPayload{
			WorkOrderID: wo.ID, Attempt: wo.RetryCount + 1, Reason: "sweeper_requeue",
		}
		if _, err := s.queue.Enqueue(ctx, p); err != nil {
			slog.Error("sweep requeue failed",
				slog.String("work_order_id", wo.ID), slog.Any("error", err))
			continue
		}
		_ = s.store.AppendAudit(ctx, domain.AuditLog{
			WorkOrderID: wo.ID, SessionID: wo.SessionID,
			Actor: "system", Action: "requeued", Status: domain.AuditOK,
			Details: map[string]any{"attempt": p.Attempt},
		})
		n++
	}
	return n
}

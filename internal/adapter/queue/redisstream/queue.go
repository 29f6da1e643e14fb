// Package redisstream implements the dispatch queue on Redis Streams and the
// progress event bus on Redis pub/sub.
//
// Streams give the at-least-once contract directly: XREADGROUP delivers each
// entry to exactly one consumer in the group until XACK, and XAUTOCLAIM
// reassigns entries held past the idle threshold by crashed consumers.
package redisstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

const (
	// StreamDispatch is the work-order dispatch stream.
	StreamDispatch = "workorders:dispatch"
	// GroupDispatchers is the dispatcher consumer group.
	GroupDispatchers = "dispatchers"
)

// Queue implements domain.Queue on a Redis stream with one consumer group.
type Queue struct {
	rdb    *redis.Client
	stream string
	group  string
}

// NewQueue constructs the queue and creates the consumer group (idempotent).
func NewQueue(ctx domain.Context, rdb *redis.Client) (*Queue, error) {
	q := &Queue{rdb: rdb, stream: StreamDispatch, group: GroupDispatchers}
	err := rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("op=queue.new: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return q, nil
}

// Enqueue appends one dispatch payload and returns the stream entry id.
func (q *Queue) Enqueue(ctx domain.Context, p domain.DispatchPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"work_order_id": p.WorkOrderID,
			"payload":       string(body),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return id, nil
}

// EnqueueAfter re-delivers the payload after the delay. The timer lives in
// this process; a crash during the delay is recovered by the stuck-order
// sweeper, which re-queues eligible orders.
func (q *Queue) EnqueueAfter(ctx domain.Context, p domain.DispatchPayload, delay time.Duration) error {
	if delay <= 0 {
		_, err := q.Enqueue(ctx, p)
		return err
	}
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if _, err := q.Enqueue(ctx, p); err != nil {
			slog.Error("delayed enqueue failed",
				slog.String("work_order_id", p.WorkOrderID),
				slog.Any("error", err))
		}
	}()
	return nil
}

func parseMessage(m redis.XMessage, deliveryCount int64) (domain.QueueMessage, error) {
	raw, _ := m.Values["payload"].(string)
	var p domain.DispatchPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.QueueMessage{}, fmt.Errorf("entry %s: %w", m.ID, err)
	}
	return domain.QueueMessage{
		EntryID:       m.ID,
		WorkOrderID:   p.WorkOrderID,
		Payload:       p,
		DeliveryCount: deliveryCount,
	}, nil
}

// Consume reads up to max fresh entries for the named consumer. A
// non-positive block performs a non-blocking read. Malformed entries are
// acked away as poison pills.
func (q *Queue) Consume(ctx domain.Context, consumer string, max int, block time.Duration) ([]domain.QueueMessage, error) {
	if max <= 0 {
		max = 1
	}
	args := &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
	}
	if block > 0 {
		args.Block = block
	} else {
		args.Block = -1
	}
	res, err := q.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.consume: %w: %w", domain.ErrQueueUnavailable, err)
	}
	var out []domain.QueueMessage
	for _, stream := range res {
		for _, m := range stream.Messages {
			msg, err := parseMessage(m, 1)
			if err != nil {
				slog.Warn("dropping malformed queue entry", slog.String("entry_id", m.ID), slog.Any("error", err))
				_ = q.Ack(ctx, m.ID)
				continue
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// Ack acknowledges and deletes the entry. Idempotent: acking an unknown or
// already-acked entry is a no-op.
func (q *Queue) Ack(ctx domain.Context, entryID string) error {
	if err := q.rdb.XAck(ctx, q.stream, q.group, entryID).Err(); err != nil {
		return fmt.Errorf("op=queue.ack: %w: %w", domain.ErrQueueUnavailable, err)
	}
	if err := q.rdb.XDel(ctx, q.stream, entryID).Err(); err != nil {
		return fmt.Errorf("op=queue.ack: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// ClaimStale reassigns entries idle past minIdle to the calling consumer and
// returns them with their delivery counts. Callers use the delivery count for
// poison-pill detection.
func (q *Queue) ClaimStale(ctx domain.Context, consumer string, minIdle time.Duration, max int) ([]domain.QueueMessage, error) {
	if max <= 0 {
		max = 10
	}
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.claim_stale: %w: %w", domain.ErrQueueUnavailable, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	counts := map[string]int64{}
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  int64(len(msgs) + max),
	}).Result()
	if err == nil {
		for _, p := range pending {
			counts[p.ID] = p.RetryCount
		}
	}

	var out []domain.QueueMessage
	for _, m := range msgs {
		dc := counts[m.ID]
		if dc < 2 {
			dc = 2 // claimed entries were delivered at least twice
		}
		msg, err := parseMessage(m, dc)
		if err != nil {
			slog.Warn("dropping malformed claimed entry", slog.String("entry_id", m.ID), slog.Any("error", err))
			_ = q.Ack(ctx, m.ID)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Depth returns the current stream length, exposed for backpressure metrics.
func (q *Queue) Depth(ctx domain.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.depth: %w: %w", domain.ErrQueueUnavailable, err)
	}
	return n, nil
}

var _ domain.Queue = (*Queue)(nil)

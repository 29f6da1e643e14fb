package redisstream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

const (
	// ChannelEvents is the firehose channel carrying every progress event.
	ChannelEvents = "workorders:events"
	// channelEventsPrefix scopes per-order channels.
	channelEventsPrefix = "workorders:events:"
)

// EventBus implements domain.EventBus on Redis pub/sub. Delivery is
// fire-and-forget: subscribers that lag past their buffer lose events, which
// is acceptable for progress streaming (the store holds the durable record).
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus wires the bus onto an existing client.
func NewEventBus(rdb *redis.Client) *EventBus {
	return &EventBus{rdb: rdb}
}

// Publish fans the event out to the firehose and the per-order channel.
func (b *EventBus) Publish(ctx domain.Context, ev domain.ProgressEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	if err := b.rdb.Publish(ctx, ChannelEvents, body).Err(); err != nil {
		return fmt.Errorf("op=events.publish: %w: %w", domain.ErrQueueUnavailable, err)
	}
	if ev.WorkOrderID != "" {
		if err := b.rdb.Publish(ctx, channelEventsPrefix+ev.WorkOrderID, body).Err(); err != nil {
			return fmt.Errorf("op=events.publish: %w: %w", domain.ErrQueueUnavailable, err)
		}
	}
	return nil
}

// Subscribe returns a channel of events for one work order, or the firehose
// when workOrderID is empty. The cancel func tears down the subscription and
// closes the channel.
func (b *EventBus) Subscribe(ctx domain.Context, workOrderID string) (<-chan domain.ProgressEvent, func(), error) {
	channel := ChannelEvents
	if workOrderID != "" {
		channel = channelEventsPrefix + workOrderID
	}
	ps := b.rdb.Subscribe(ctx, channel)
	// Receive forces the SUBSCRIBE round trip so a broken connection
	// surfaces here instead of as a silent dead channel.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("op=events.subscribe: %w: %w", domain.ErrQueueUnavailable, err)
	}

	out := make(chan domain.ProgressEvent, 32)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var ev domain.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed progress event", slog.Any("error", err))
				continue
			}
			select {
			case out <- ev:
			default:
				// slow subscriber, drop rather than block the reader
			}
		}
	}()
	cancel := func() { _ = ps.Close() }
	return out, cancel, nil
}

var _ domain.EventBus = (*EventBus)(nil)

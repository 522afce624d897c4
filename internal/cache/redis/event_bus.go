package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// streamMaxLen caps the event stream via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// EventBus republishes lifecycle events on a pub/sub channel for live
// listeners and appends them to a stream for later inspection.
type EventBus struct {
	c       *Client
	channel string
	stream  string
}

// NewEventBus creates an EventBus using "<prefix>events" for both the channel
// and the stream.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{c: c, channel: c.key("events"), stream: c.key("events:log")}
}

func (b *EventBus) Name() string { return "redis" }

// Handle publishes ev and appends it to the stream.
func (b *EventBus) Handle(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	if err := b.c.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", b.channel, err)
	}
	err = b.c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"kind": string(ev.Kind), "payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", b.stream, err)
	}
	return nil
}

// Recent returns up to count of the newest events, newest first.
func (b *EventBus) Recent(ctx context.Context, count int64) ([]domain.Event, error) {
	msgs, err := b.c.rdb.XRevRangeN(ctx, b.stream, "+", "-", count).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read %s: %w", b.stream, err)
	}

	out := make([]domain.Event, 0, len(msgs))
	for _, m := range msgs {
		var raw []byte
		switch v := m.Values["payload"].(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

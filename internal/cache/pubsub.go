package cache

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/openassets/solvency-backend/internal/jobs"
)

const positionEventsChannel = "solvency.position_events"

// EventBus carries position events from the worker to the api process over
// redis pub/sub. It implements the worker's notification sink on the
// publishing side.
type EventBus struct {
	rdb *redis.Client
}

func NewEventBus(rdb *redis.Client) *EventBus {
	return &EventBus{rdb: rdb}
}

func (b *EventBus) NotifyPositionEvent(ctx context.Context, ev jobs.PositionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, positionEventsChannel, payload).Err()
}

// Listen blocks delivering events to handler until ctx is cancelled.
// Malformed payloads are dropped.
func (b *EventBus) Listen(ctx context.Context, handler func(jobs.PositionEvent)) error {
	sub := b.rdb.Subscribe(ctx, positionEventsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev jobs.PositionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			handler(ev)
		}
	}
}

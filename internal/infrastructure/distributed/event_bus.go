package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"intercom/internal/core/domain"
)

const eventQueueSize = 128

// Envelope is the pub/sub message: an engine event plus its origin.
type Envelope struct {
	InstanceID string       `json:"instance_id"`
	Device     string       `json:"device"`
	Event      domain.Event `json:"event"`
}

// EventBus republishes engine events on a redis channel so dashboards and
// other intercoms can follow calls. Publish never blocks; events are
// dropped when the queue is full.
type EventBus struct {
	client     *redis.Client
	instanceID string
	device     string
	channel    string
	logger     *zap.SugaredLogger

	queue   chan domain.Event
	dropped atomic.Int64
}

func NewEventBus(client *redis.Client, channel, instanceID, device string, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = "intercom:events"
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		device:     device,
		channel:    channel,
		logger:     logger,
		queue:      make(chan domain.Event, eventQueueSize),
	}
}

// Publish implements ports.EventSink.
func (eb *EventBus) Publish(ev domain.Event) {
	select {
	case eb.queue <- ev:
	default:
		if n := eb.dropped.Add(1); n == 1 || n%100 == 0 {
			eb.logger.Warnw("event bus queue full, dropping events", "dropped", n)
		}
	}
}

// Run drains the queue until ctx is done.
func (eb *EventBus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-eb.queue:
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := eb.send(pctx, ev); err != nil {
				eb.logger.Warnw("failed to publish event", "type", ev.Type, "error", err)
			}
			cancel()
		}
	}
}

func (eb *EventBus) send(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(Envelope{InstanceID: eb.instanceID, Device: eb.device, Event: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	eb.logger.Debugw("published event", "type", ev.Type, "call_id", ev.CallID)
	return nil
}

// Subscribe calls handler for every event published by other instances
// until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Envelope)) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if env.InstanceID == eb.instanceID {
				continue
			}
			handler(env)
		}
	}
}

package domain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"wo-foreman.io/foreman/internal/pkg/logger"
)

// EventConsumer processes one audit event after its transaction commits.
type EventConsumer func(ctx context.Context, event *Event) error

// EventDispatcher fans recorded events out to registered consumers
// (log mirror, metrics, notification hooks). Delivery is best-effort and
// happens after commit; a failing consumer never affects engine state.
type EventDispatcher struct {
	consumers map[EventType][]EventConsumer
	all       []EventConsumer
	mu        sync.RWMutex
}

// NewEventDispatcher creates a new EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		consumers: make(map[EventType][]EventConsumer),
	}
}

// Register registers a consumer for a specific event type.
func (d *EventDispatcher) Register(eventType EventType, consumer EventConsumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers[eventType] = append(d.consumers[eventType], consumer)
}

// RegisterAll registers a consumer for every event type.
func (d *EventDispatcher) RegisterAll(consumer EventConsumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.all = append(d.all, consumer)
}

// Dispatch delivers an event to all matching consumers sequentially.
// If a consumer fails, the error is logged and remaining consumers still
// run; the first error is returned.
func (d *EventDispatcher) Dispatch(ctx context.Context, event *Event) error {
	d.mu.RLock()
	consumers := append([]EventConsumer{}, d.all...)
	consumers = append(consumers, d.consumers[event.Event]...)
	d.mu.RUnlock()

	var firstErr error
	for _, consumer := range consumers {
		if err := consumer(ctx, event); err != nil {
			logger.Error("Event consumer failed",
				zap.String("event", string(event.Event)),
				zap.String("order_id", event.OrderID),
				zap.String("item_id", event.ItemID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("consumer for %s failed: %w", event.Event, err)
			}
		}
	}
	return firstErr
}

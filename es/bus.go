package es

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/gotx/internal/retry"
	"github.com/xiaoxuxiansheng/gotx/log"
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

type Handler func(ctx context.Context, ev *Event) error

type subscription struct {
	id        string
	eventType string
	handler   Handler
}

// EventBus fans an event out to its subscribers. Handler failures are logged
// and never reach the publisher.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	byID   map[string]*subscription
	opts   busOptions
	logger log.Logger
}

func NewEventBus(opts ...BusOption) *EventBus {
	options := busOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = log.GetDefaultLogger()
	}
	if options.metrics == nil {
		options.metrics = NopMetrics()
	}

	return &EventBus{
		subs:   make(map[string][]*subscription),
		byID:   make(map[string]*subscription),
		opts:   options,
		logger: options.logger.With("component", "event_bus"),
	}
}

// Subscribe returns an id that Unsubscribe accepts.
func (b *EventBus) Subscribe(eventType string, handler Handler) string {
	sub := &subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.byID[sub.id] = sub
	return sub.id
}

func (b *EventBus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[subscriptionID]
	if !ok {
		return false
	}
	delete(b.byID, subscriptionID)

	subs := b.subs[sub.eventType]
	for i, s := range subs {
		if s.id == subscriptionID {
			b.subs[sub.eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.eventType]) == 0 {
		delete(b.subs, sub.eventType)
	}
	return true
}

// Publish runs every matching handler concurrently and waits for all of them.
func (b *EventBus) Publish(ctx context.Context, ev *Event) {
	b.mu.RLock()
	handlers := make([]*subscription, 0, len(b.subs[ev.EventType])+len(b.subs[AllEvents]))
	handlers = append(handlers, b.subs[ev.EventType]...)
	if ev.EventType != AllEvents {
		handlers = append(handlers, b.subs[AllEvents]...)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range handlers {
		// shadow
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := retry.Call(ctx, b.opts.handlerTimeout, func(cctx context.Context) error {
				return sub.handler(cctx, ev.Clone())
			})
			if err != nil {
				b.opts.metrics.HandlerFailed(ev.EventType)
				b.logger.Errorf("event handler failed, event type: %s, aggregate id: %s, version: %d, subscription: %s, err: %v",
					ev.EventType, ev.AggregateID, ev.Version, sub.id, err)
			}
		}()
	}
	wg.Wait()
}

// HandlerCount reports the handlers subscribed to exactly eventType.
func (b *EventBus) HandlerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

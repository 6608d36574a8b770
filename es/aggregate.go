package es

import (
	"fmt"

	"github.com/xiaoxuxiansheng/gotx/log"
)

// EventHandlerFunc mutates aggregate state for one event type.
type EventHandlerFunc func(ev *Event) error

// AggregateRoot carries identity, version and pending events. Embed it in a
// domain aggregate and register handlers with On.
type AggregateRoot struct {
	id            string
	aggregateType string
	version       int64
	uncommitted   []*Event
	handlers      map[string]EventHandlerFunc
	// 由 Repository 在加载时注入
	logger log.Logger
}

func (a *AggregateRoot) Init(aggregateType, aggregateID string) {
	a.id = aggregateID
	a.aggregateType = aggregateType
	if a.handlers == nil {
		a.handlers = make(map[string]EventHandlerFunc)
	}
}

func (a *AggregateRoot) On(eventType string, handler EventHandlerFunc) {
	if a.handlers == nil {
		a.handlers = make(map[string]EventHandlerFunc)
	}
	a.handlers[eventType] = handler
}

func (a *AggregateRoot) AggregateID() string   { return a.id }
func (a *AggregateRoot) AggregateType() string { return a.aggregateType }
func (a *AggregateRoot) Version() int64        { return a.version }

// ApplyEvent replays a stored event. Unknown event types only advance the version.
func (a *AggregateRoot) ApplyEvent(ev *Event) error {
	handler, ok := a.handlers[ev.EventType]
	if !ok {
		if a.logger != nil {
			a.logger.Warnf("no handler for event type %s on aggregate %s, version advanced to %d", ev.EventType, a.id, ev.Version)
		}
		a.version = ev.Version
		return nil
	}
	if err := handler(ev); err != nil {
		return fmt.Errorf("apply event %s v%d on aggregate %s: %w", ev.EventType, ev.Version, a.id, err)
	}
	a.version = ev.Version
	return nil
}

// RaiseEvent records a new event at version+1, applies it and queues it for Save.
func (a *AggregateRoot) RaiseEvent(eventType string, data map[string]interface{}) (*Event, error) {
	handler, ok := a.handlers[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, eventType)
	}

	ev := NewEvent(a.id, a.aggregateType, eventType, a.version+1, data)
	if err := handler(ev); err != nil {
		return nil, err
	}
	a.version = ev.Version
	a.uncommitted = append(a.uncommitted, ev)
	return ev, nil
}

func (a *AggregateRoot) UncommittedEvents() []*Event {
	return append([]*Event(nil), a.uncommitted...)
}

func (a *AggregateRoot) MarkEventsAsCommitted() {
	a.uncommitted = nil
}

// commit 丢弃已持久化的前 n 个待提交事件
func (a *AggregateRoot) commit(n int) {
	a.uncommitted = append([]*Event(nil), a.uncommitted[n:]...)
}

func (a *AggregateRoot) root() *AggregateRoot { return a }

// Aggregate is satisfied by any type embedding AggregateRoot.
type Aggregate interface {
	AggregateID() string
	AggregateType() string
	Version() int64
	ApplyEvent(ev *Event) error
	UncommittedEvents() []*Event
	MarkEventsAsCommitted()
	root() *AggregateRoot
}

// StateSnapshotter lets an aggregate choose its own snapshot encoding.
// Aggregates without it are snapshotted with encoding/json, which only works
// when every field besides the embedded AggregateRoot is exported.
type StateSnapshotter interface {
	SnapshotState() ([]byte, error)
	RestoreState(state []byte) error
}

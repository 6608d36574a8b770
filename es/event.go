package es

import (
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrAggregateNotFound    = errors.New("aggregate not found")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrSnapshotNotFound     = errors.New("snapshot not found")
	ErrNoHandler            = errors.New("no event handler registered")
	ErrUnknownAggregateType = errors.New("unknown aggregate type")
	ErrVersionGap           = errors.New("event version gap")
	ErrNotSnapshottable     = errors.New("aggregate state cannot be snapshotted")
)

// Event is an immutable fact about one aggregate. Version orders the events of
// an aggregate, starting at 1; Timestamp is informational only.
type Event struct {
	ID            string                 `json:"id"`
	AggregateID   string                 `json:"aggregateID"`
	AggregateType string                 `json:"aggregateType"`
	EventType     string                 `json:"eventType"`
	Data          map[string]interface{} `json:"data"`
	Metadata      map[string]interface{} `json:"metadata"`
	Timestamp     time.Time              `json:"timestamp"`
	Version       int64                  `json:"version"`
}

func NewEvent(aggregateID, aggregateType, eventType string, version int64, data map[string]interface{}) *Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Event{
		ID:            gonanoid.Must(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          data,
		Metadata:      make(map[string]interface{}),
		Timestamp:     time.Now(),
		Version:       version,
	}
}

func (e *Event) Validate() error {
	if e == nil {
		return errors.New("event is nil")
	}
	if e.ID == "" {
		return fmt.Errorf("event id is empty")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("event aggregate id is empty")
	}
	if e.EventType == "" {
		return fmt.Errorf("event type is empty")
	}
	if e.Version < 1 {
		return fmt.Errorf("invalid event version: %d", e.Version)
	}
	return nil
}

// Clone copies the event and its top-level maps.
func (e *Event) Clone() *Event {
	out := *e
	out.Data = copyMap(e.Data)
	out.Metadata = copyMap(e.Metadata)
	return &out
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Snapshot is a cached, serialized state of an aggregate at Version.
type Snapshot struct {
	AggregateID string    `json:"aggregateID"`
	State       []byte    `json:"state"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
}

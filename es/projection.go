package es

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/spf13/cast"

	"github.com/xiaoxuxiansheng/gotx/log"
)

type ReadModel map[string]interface{}

// Projector folds one event into the read models of a projection.
type Projector func(models map[string]ReadModel, ev *Event) error

// Projection maintains denormalized read models. Events at or below the
// version already projected for their aggregate are skipped.
type Projection struct {
	name       string
	logger     log.Logger
	mu         sync.RWMutex
	models     map[string]ReadModel
	projectors map[string]Projector
	positions  map[string]int64
}

func NewProjection(name string, logger log.Logger) *Projection {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Projection{
		name:       name,
		logger:     logger.With("projection", name),
		models:     make(map[string]ReadModel),
		projectors: make(map[string]Projector),
		positions:  make(map[string]int64),
	}
}

func (p *Projection) Name() string { return p.name }

func (p *Projection) On(eventType string, projector Projector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projectors[eventType] = projector
}

// Subscribe attaches the projection to bus for every event type it projects.
func (p *Projection) Subscribe(bus *EventBus) []string {
	p.mu.RLock()
	types := make([]string, 0, len(p.projectors))
	for eventType := range p.projectors {
		types = append(types, eventType)
	}
	p.mu.RUnlock()
	sort.Strings(types)

	ids := make([]string, 0, len(types))
	for _, eventType := range types {
		ids = append(ids, bus.Subscribe(eventType, p.HandleEvent))
	}
	return ids
}

// HandleEvent has the Handler signature so a projection can subscribe to a bus directly.
func (p *Projection) HandleEvent(_ context.Context, ev *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.apply(ev)
}

func (p *Projection) apply(ev *Event) error {
	projector, ok := p.projectors[ev.EventType]
	if !ok {
		return nil
	}
	if ev.Version > 0 && ev.Version <= p.positions[ev.AggregateID] {
		p.logger.Debugf("skip projected event, aggregate: %s, version: %d", ev.AggregateID, ev.Version)
		return nil
	}
	if err := projector(p.models, ev); err != nil {
		return err
	}
	if ev.Version > 0 {
		p.positions[ev.AggregateID] = ev.Version
	}
	return nil
}

// Rebuild discards every read model and projects events in the given order.
func (p *Projection) Rebuild(_ context.Context, events []*Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.models = make(map[string]ReadModel)
	p.positions = make(map[string]int64)
	for _, ev := range events {
		if err := p.apply(ev); err != nil {
			return err
		}
	}
	return nil
}

func (p *Projection) Get(id string) (ReadModel, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	model, ok := p.models[id]
	if !ok {
		return nil, false
	}
	return copyModel(model), true
}

// Query returns copies of the read models whose fields equal every criteria
// value, ordered by read model id. Numbers compare by value across types.
func (p *Projection) Query(criteria map[string]interface{}) []ReadModel {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.models))
	for id := range p.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []ReadModel
	for _, id := range ids {
		model := p.models[id]
		if matches(model, criteria) {
			out = append(out, copyModel(model))
		}
	}
	return out
}

func (p *Projection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.models)
}

func matches(model ReadModel, criteria map[string]interface{}) bool {
	for k, want := range criteria {
		got, ok := model[k]
		if !ok || !equalValue(got, want) {
			return false
		}
	}
	return true
}

func equalValue(a, b interface{}) bool {
	if isNumber(a) && isNumber(b) {
		return cast.ToFloat64(a) == cast.ToFloat64(b)
	}
	return reflect.DeepEqual(a, b)
}

func isNumber(v interface{}) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func copyModel(model ReadModel) ReadModel {
	out := make(ReadModel, len(model))
	for k, v := range model {
		out[k] = v
	}
	return out
}

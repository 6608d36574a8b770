package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/xiaoxuxiansheng/gotx/log"
)

// Factory builds an empty aggregate with handlers registered.
type Factory func(aggregateID string) Aggregate

type Repository struct {
	store     EventStore
	opts      repositoryOptions
	logger    log.Logger
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRepository(store EventStore, opts ...RepositoryOption) *Repository {
	options := repositoryOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = log.GetDefaultLogger()
	}
	if options.metrics == nil {
		options.metrics = NopMetrics()
	}

	return &Repository{
		store:     store,
		opts:      options,
		logger:    options.logger.With("component", "repository"),
		factories: make(map[string]Factory),
	}
}

// Register 注册聚合工厂。开启快照时聚合必须能完整保存状态，
// 即实现 StateSnapshotter，或除嵌入的 AggregateRoot 外只有导出字段
func (r *Repository) Register(aggregateType string, factory Factory) error {
	if r.opts.snapshotFrequency > 0 {
		if err := snapshottable(factory("")); err != nil {
			return fmt.Errorf("register aggregate type %s: %w", aggregateType, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[aggregateType] = factory
	return nil
}

func (r *Repository) Store() EventStore { return r.store }

// Save appends pending events in order and publishes each one right after it
// is stored. When an append fails, the stored prefix stays published and leaves
// the pending list, so a retried Save resumes at the failed event. A snapshot is
// taken only once every pending event is stored and a frequency boundary was crossed.
func (r *Repository) Save(ctx context.Context, agg Aggregate) error {
	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return nil
	}

	prev := events[0].Version - 1
	for i, ev := range events {
		if err := r.store.AppendEvent(ctx, ev); err != nil {
			if i > 0 {
				r.opts.metrics.EventsAppended(agg.AggregateType(), i)
				agg.root().commit(i)
			}
			return fmt.Errorf("append event %s v%d of aggregate %s: %w", ev.EventType, ev.Version, agg.AggregateID(), err)
		}
		if r.opts.bus != nil {
			r.opts.bus.Publish(ctx, ev)
		}
	}
	r.opts.metrics.EventsAppended(agg.AggregateType(), len(events))

	if freq := r.opts.snapshotFrequency; freq > 0 && agg.Version()/freq > prev/freq {
		if err := r.snapshot(ctx, agg); err != nil {
			r.logger.Warnf("save snapshot failed, aggregate: %s, version: %d, err: %v", agg.AggregateID(), agg.Version(), err)
		}
	}

	agg.MarkEventsAsCommitted()
	return nil
}

func (r *Repository) snapshot(ctx context.Context, agg Aggregate) error {
	var (
		state []byte
		err   error
	)
	if s, ok := agg.(StateSnapshotter); ok {
		state, err = s.SnapshotState()
	} else if err = snapshottable(agg); err == nil {
		state, err = json.Marshal(agg)
	}
	if err != nil {
		return err
	}
	if err = r.store.SaveSnapshot(ctx, agg.AggregateID(), state, agg.Version()); err != nil {
		return err
	}
	r.opts.metrics.SnapshotSaved(agg.AggregateType())
	return nil
}

// Load rebuilds an aggregate from its latest snapshot plus the events after it.
func (r *Repository) Load(ctx context.Context, aggregateType, aggregateID string) (Aggregate, error) {
	r.mu.RLock()
	factory, ok := r.factories[aggregateType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAggregateType, aggregateType)
	}

	agg := r.build(factory, aggregateID)
	snapshot, err := r.store.GetSnapshot(ctx, aggregateID)
	switch {
	case err == nil:
		if rerr := restore(agg, snapshot); rerr != nil {
			r.logger.Warnf("restore snapshot failed, replay from start, aggregate: %s, version: %d, err: %v", aggregateID, snapshot.Version, rerr)
			agg = r.build(factory, aggregateID)
		}
	case errors.Is(err, ErrSnapshotNotFound):
	default:
		r.logger.Warnf("get snapshot failed, replay from start, aggregate: %s, err: %v", aggregateID, err)
	}

	events, err := r.store.GetEvents(ctx, aggregateID, agg.Version(), 0)
	if err != nil {
		return nil, fmt.Errorf("get events of aggregate %s: %w", aggregateID, err)
	}
	for _, ev := range events {
		if ev.Version != agg.Version()+1 {
			return nil, fmt.Errorf("%w: aggregate: %s, expect version: %d, got: %d", ErrVersionGap, aggregateID, agg.Version()+1, ev.Version)
		}
		if err := agg.ApplyEvent(ev); err != nil {
			return nil, err
		}
	}

	if agg.Version() == 0 {
		return nil, ErrAggregateNotFound
	}
	return agg, nil
}

// build 创建空聚合，未知事件类型的告警走仓储的 logger
func (r *Repository) build(factory Factory, aggregateID string) Aggregate {
	agg := factory(aggregateID)
	agg.root().logger = r.logger
	return agg
}

var rootType = reflect.TypeOf(AggregateRoot{})

// snapshottable 只检查顶层字段，嵌套结构体需自行保证可被 encoding/json 完整编码
func snapshottable(agg Aggregate) error {
	if _, ok := agg.(StateSnapshotter); ok {
		return nil
	}

	t := reflect.TypeOf(agg)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("%w: %s", ErrNotSnapshottable, t)
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && (f.Type == rootType || f.Type == reflect.PointerTo(rootType)) {
			continue
		}
		if !f.IsExported() {
			return fmt.Errorf("%w: %s has unexported field %s and does not implement StateSnapshotter", ErrNotSnapshottable, t, f.Name)
		}
	}
	return nil
}

func restore(agg Aggregate, snapshot *Snapshot) error {
	var err error
	if s, ok := agg.(StateSnapshotter); ok {
		err = s.RestoreState(snapshot.State)
	} else {
		err = json.Unmarshal(snapshot.State, agg)
	}
	if err != nil {
		return err
	}
	agg.root().version = snapshot.Version
	return nil
}

// LoadAs loads an aggregate and asserts its concrete type.
func LoadAs[T Aggregate](ctx context.Context, r *Repository, aggregateType, aggregateID string) (T, error) {
	var zero T
	agg, err := r.Load(ctx, aggregateType, aggregateID)
	if err != nil {
		return zero, err
	}
	typed, ok := agg.(T)
	if !ok {
		return zero, fmt.Errorf("aggregate %s of type %s is %T", aggregateID, aggregateType, agg)
	}
	return typed, nil
}

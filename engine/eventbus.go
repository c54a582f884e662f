package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"badgekit/core"
)

type DispatchMode int

const (
	DispatchSync DispatchMode = iota
	DispatchAsync
)

// Handler receives published events.
type Handler func(context.Context, core.Event)

type subscription struct {
	id int64
	fn Handler
}

// anyEvent keys subscriptions that receive every event type.
const anyEvent core.EventType = "*"

// EventBus is a thread-safe pub/sub for badge lifecycle events.
// In async mode a full queue drops the event and counts it.
type EventBus struct {
	mode    DispatchMode
	mu      sync.RWMutex
	subs    map[core.EventType]map[int64]subscription
	nextID  int64
	queue   chan core.Event
	workers int
	dropped atomic.Int64
	wg      sync.WaitGroup
	once    sync.Once
	closed  bool
}

func NewEventBus(mode DispatchMode) *EventBus {
	eb := &EventBus{
		mode:    mode,
		subs:    make(map[core.EventType]map[int64]subscription),
		queue:   make(chan core.Event, 1024),
		workers: 4,
	}
	if mode == DispatchAsync {
		eb.startWorkers()
	}
	return eb
}

func (e *EventBus) startWorkers() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for ev := range e.queue {
				e.dispatch(context.Background(), ev)
			}
		}()
	}
}

// Close drains queued events and stops async workers. Publishing after Close
// is a no-op in async mode.
func (e *EventBus) Close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
		e.wg.Wait()
	})
}

// Subscribe registers a handler for one event type and returns an unsubscribe func.
func (e *EventBus) Subscribe(typ core.EventType, handler Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.subs[typ] == nil {
		e.subs[typ] = make(map[int64]subscription)
	}
	e.subs[typ][id] = subscription{id: id, fn: handler}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs[typ], id)
	}
}

// SubscribeAll registers a handler for every event type.
func (e *EventBus) SubscribeAll(handler Handler) func() {
	return e.Subscribe(anyEvent, handler)
}

// Publish delivers ev to its subscribers.
func (e *EventBus) Publish(ctx context.Context, ev core.Event) {
	if e.mode != DispatchAsync {
		e.dispatch(ctx, ev)
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped reports how many async events were discarded.
func (e *EventBus) Dropped() int64 { return e.dropped.Load() }

func (e *EventBus) dispatch(ctx context.Context, ev core.Event) {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.subs[ev.Type])+len(e.subs[anyEvent]))
	for _, s := range e.subs[ev.Type] {
		handlers = append(handlers, s.fn)
	}
	for _, s := range e.subs[anyEvent] {
		handlers = append(handlers, s.fn)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
}

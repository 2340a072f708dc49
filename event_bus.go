// event_bus.go: In-process typed publish/subscribe bus
//
// The bus delivers events synchronously, in subscription order, with
// run-to-completion semantics: an event published while another event is
// being dispatched is queued and delivered only after every subscriber of the
// current event has returned. A panicking subscriber is recovered at the
// dispatch site and never prevents delivery to the remaining subscribers.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sync"
	"sync/atomic"
)

// EventHandler receives events from the bus.
type EventHandler func(event Event)

type subscription struct {
	id      uint64
	name    EventName
	handler EventHandler
	active  atomic.Bool
}

// EventBusStats reports delivery counters.
type EventBusStats struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	HandlerPanics uint64 `json:"handler_panics"`
}

// EventBus is the synchronous event bus shared by the lifecycle components.
//
// Example usage:
//
//	bus := NewEventBus(logger)
//	unsubscribe := bus.Subscribe(EventPluginLoaded, func(ev Event) {
//	    if loaded, ok := ev.(PluginLoadedEvent); ok {
//	        logger.Info("plugin ready", "plugin", loaded.PluginName)
//	    }
//	})
//	defer unsubscribe()
//	bus.Publish(PluginLoadedEvent{PluginName: "auth"})
type EventBus struct {
	logger  Logger
	metrics MetricsCollector

	mu          sync.Mutex
	subs        map[EventName][]*subscription
	nextID      uint64
	queue       []Event
	dispatching bool
	closed      bool

	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerPanics atomic.Uint64
}

// NewEventBus creates an empty bus. A nil logger discards output.
func NewEventBus(logger Logger) *EventBus {
	return &EventBus{
		logger:  NewLogger(logger),
		metrics: NewNoOpMetricsCollector(),
		subs:    make(map[EventName][]*subscription),
	}
}

// SetMetricsCollector routes bus counters to collector.
func (b *EventBus) SetMetricsCollector(collector MetricsCollector) {
	if collector == nil {
		collector = NewNoOpMetricsCollector()
	}
	b.mu.Lock()
	b.metrics = collector
	b.mu.Unlock()
}

// Subscribe registers handler for the named event and returns a function that
// removes the subscription. Calling the returned function more than once is safe.
func (b *EventBus) Subscribe(name EventName, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, name: name, handler: handler}
	sub.active.Store(true)
	b.subs[name] = append(b.subs[name], sub)

	return func() { b.unsubscribe(sub) }
}

func (b *EventBus) unsubscribe(sub *subscription) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.name]
	for i, s := range list {
		if s.id == sub.id {
			updated := make([]*subscription, 0, len(list)-1)
			updated = append(updated, list[:i]...)
			updated = append(updated, list[i+1:]...)
			b.subs[sub.name] = updated
			break
		}
	}
	if len(b.subs[sub.name]) == 0 {
		delete(b.subs, sub.name)
	}
}

// SubscriberCount returns the number of active subscribers for name.
func (b *EventBus) SubscriberCount(name EventName) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[name])
}

// Publish delivers event to every current subscriber of its name.
//
// When called outside of a dispatch the event (and anything published by its
// handlers) is fully delivered before Publish returns. When called from a
// handler, or while another goroutine is dispatching, the event is queued
// behind the events already pending.
func (b *EventBus) Publish(event Event) {
	if event == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, event)
	b.published.Add(1)
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		subs := make([]*subscription, len(b.subs[next.EventName()]))
		copy(subs, b.subs[next.EventName()])
		metrics := b.metrics
		b.mu.Unlock()

		b.deliver(next, subs, metrics)

		b.mu.Lock()
	}

	b.dispatching = false
	b.mu.Unlock()
}

func (b *EventBus) deliver(event Event, subs []*subscription, metrics MetricsCollector) {
	name := event.EventName()
	metrics.IncrementCounter(MetricBusEventsTotal, map[string]string{"event": string(name)}, 1)

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		ok := callRecovered(func(recovered interface{}, stack []byte) {
			b.handlerPanics.Add(1)
			b.logger.Error("Event handler panicked",
				"event", string(name),
				"subscription", sub.id,
				"panic", recovered,
				"stack", string(stack))
		}, func() {
			sub.handler(event)
		})
		if ok {
			b.delivered.Add(1)
		}
	}
}

// Stats returns delivery counters.
func (b *EventBus) Stats() EventBusStats {
	return EventBusStats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerPanics: b.handlerPanics.Load(),
	}
}

// Close drops every subscription and ignores later publishes.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, list := range b.subs {
		for _, sub := range list {
			sub.active.Store(false)
		}
	}
	b.subs = make(map[EventName][]*subscription)
	b.queue = nil
	b.closed = true
}

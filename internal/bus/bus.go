// Package bus provides the session event bus: a synchronous, in-order
// publish/subscribe primitive with explicit handle-based subscriptions.
//
// Subscriptions return an opaque handle; unsubscribing by handle is
// idempotent, so callers never need to track whether a listener is still
// registered before removing it.
package bus

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// Handler receives an event payload. Handlers run synchronously on the
// publisher's goroutine, in subscription order.
type Handler func(event string, data any)

// Handle identifies a single subscription.
type Handle string

// subscription is one registered listener.
type subscription struct {
	handle Handle
	fn     Handler
	once   bool
}

// Bus dispatches named events to subscribed handlers.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]*subscription),
	}
}

// Subscribe registers a handler for the named event and returns its handle.
func (b *Bus) Subscribe(event string, fn Handler) Handle {
	return b.add(event, fn, false)
}

// SubscribeOnce registers a handler that is removed after its first delivery.
func (b *Bus) SubscribeOnce(event string, fn Handler) Handle {
	return b.add(event, fn, true)
}

func (b *Bus) add(event string, fn Handler, once bool) Handle {
	sub := &subscription{
		handle: Handle(ulid.Make().String()),
		fn:     fn,
		once:   once,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return sub.handle
	}
	b.subs[event] = append(b.subs[event], sub)
	return sub.handle
}

// Unsubscribe removes the subscription with the given handle. Unknown or
// already-removed handles are ignored.
func (b *Bus) Unsubscribe(handle Handle) {
	if handle == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for event, subs := range b.subs {
		for i, sub := range subs {
			if sub.handle == handle {
				b.subs[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to all current subscribers in subscription
// order. Once-subscriptions are removed before their handler runs, so a
// handler republishing the same event cannot trigger itself again.
func (b *Bus) Publish(event string, data any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := b.subs[event]
	targets := make([]*subscription, len(subs))
	copy(targets, subs)

	remaining := subs[:0:0]
	for _, sub := range subs {
		if !sub.once {
			remaining = append(remaining, sub)
		}
	}
	b.subs[event] = remaining
	b.mu.Unlock()

	for _, sub := range targets {
		sub.fn(event, data)
	}
}

// SubscriberCount returns the number of live subscriptions for the event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

// Close drops every subscription and rejects further ones. Safe to call
// more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*subscription)
}

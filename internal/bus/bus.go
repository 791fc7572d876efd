// Package bus implements the typed, in-process event dispatcher (C7),
// grounded on spec.md §9's "event bus -> channels" redesign guidance: one
// registered-handler slice per event kind instead of a single generic
// interface{} emitter, so the bus never has to type-switch on payload and a
// handler for "order" events can never accidentally receive a "kline"
// event.
package bus

import (
	"sync"

	"gridbot/internal/core"
)

type handlerEntry struct {
	id int64
	fn func(payload any)
}

// Bus is the concrete implementation of core.Bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[core.EventKind][]handlerEntry
	nextID   int64
	logger   core.Logger
}

// New builds an empty bus.
func New(logger core.Logger) *Bus {
	return &Bus{
		handlers: make(map[core.EventKind][]handlerEntry),
		logger:   logger,
	}
}

// Subscribe registers handler for kind and returns a function that removes
// it again.
func (b *Bus) Subscribe(kind core.EventKind, handler func(payload any)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[kind] = append(b.handlers[kind], handlerEntry{id: id, fn: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[kind]
		for i, e := range entries {
			if e.id == id {
				b.handlers[kind] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers payload, in registration order, to every handler
// subscribed to kind. A handler that panics is recovered and logged;
// panicking does not stop delivery to the remaining handlers, per
// spec.md §4.3.
func (b *Bus) Publish(kind core.EventKind, payload any) {
	b.mu.RLock()
	entries := make([]handlerEntry, len(b.handlers[kind]))
	copy(entries, b.handlers[kind])
	b.mu.RUnlock()

	for _, e := range entries {
		b.dispatch(e, kind, payload)
	}
}

func (b *Bus) dispatch(e handlerEntry, kind core.EventKind, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "kind", kind, "panic", r)
		}
	}()
	e.fn(payload)
}

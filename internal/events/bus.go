package events

import (
	"log/slog"
	"sync"
)

// Handler receives one event. Handlers run synchronously in the publisher's
// goroutine and must not block indefinitely.
type Handler func(evt any)

// Bus is a named, typed, in-process publish/subscribe bus. Each published
// event is delivered exactly once to every handler subscribed to its name,
// in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger.With("component", "event_bus"),
	}
}

// Subscribe registers a handler for the given event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish delivers evt to every subscriber of name. A panicking handler is
// recovered and logged; remaining subscribers still receive the event.
func (b *Bus) Publish(name string, evt any) {
	b.mu.RLock()
	subs := b.handlers[name]
	b.mu.RUnlock()

	for _, h := range subs {
		b.deliver(name, h, evt)
	}
}

func (b *Bus) deliver(name string, h Handler, evt any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", name, "panic", r)
		}
	}()
	h(evt)
}

// Package bus carries server-side events (agent state transitions,
// campaign lifecycle, resolutions) from the runtime to subscribers:
// the admin gateway's WebSocket clients and anything else that wants
// a live feed.
package bus

import (
	"log/slog"
	"sync"
)

// Event is one broadcast event.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event. Handlers must not block;
// slow consumers should buffer on their side.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription, decoupling
// the gateway and the session runtime from the concrete Bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is the in-process EventPublisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers the event to every subscriber. Delivery is
// synchronous and in-line; a panicking handler is recovered and logged
// so one bad subscriber cannot take down the runtime.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked", "event", event.Name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

package eventbus

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

// Handler receives events published under the name it subscribed to.
type Handler func(event schema.Event)

type subscription struct {
	id uint64
	fn Handler
}

// Bus delivers backend notifications to subscribers keyed by event name.
// Delivery is synchronous and in registration order.
type Bus struct {
	mu     sync.Mutex
	subs   map[schema.EventName][]subscription
	nextID uint64
	log    pslog.Logger
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs: make(map[schema.EventName][]subscription),
		log:  logger,
	}
}

// Subscribe registers a handler for the event name and returns a function that
// removes it. The returned function may be called more than once.
func (b *Bus) Subscribe(name schema.EventName, handler Handler) func() {
	if b == nil || handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, fn: handler})
	count := len(b.subs[name])
	b.mu.Unlock()
	b.log.Trace("eventbus subscribe", "event", name, "subs", count)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(name, id)
			b.log.Trace("eventbus unsubscribe", "event", name)
		})
	}
}

func (b *Bus) remove(name schema.EventName, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.subs[name]
	for i, sub := range current {
		if sub.id != id {
			continue
		}
		// Copy so an in-flight snapshot keeps its view.
		next := make([]subscription, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, name)
		} else {
			b.subs[name] = next
		}
		return
	}
}

// UnsubscribeAll removes every handler registered for the event name.
func (b *Bus) UnsubscribeAll(name schema.EventName) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, name)
	b.mu.Unlock()
}

// Close removes all handlers.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.subs = make(map[schema.EventName][]subscription)
	b.mu.Unlock()
}

// Publish delivers the event to the handlers registered at call time. A
// panicking handler is logged and does not stop delivery to the rest.
func (b *Bus) Publish(event schema.Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := b.subs[event.Name]
	b.mu.Unlock()
	for _, sub := range subs {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub subscription, event schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("eventbus handler failed", "event", event.Name, "session", event.ID, "err", fmt.Sprint(r))
		}
	}()
	sub.fn(event)
}

// Handlers returns the number of handlers registered for the event name.
func (b *Bus) Handlers(name schema.EventName) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[name])
}

// Connected publishes a terminal:connected event.
func (b *Bus) Connected(id schema.SessionID) {
	b.Publish(schema.Event{Name: schema.EventConnected, ID: id})
}

// Data publishes a terminal:data event.
func (b *Bus) Data(id schema.SessionID, data []byte) {
	b.Publish(schema.Event{Name: schema.EventData, ID: id, Data: data})
}

// Closed publishes a terminal:closed event.
func (b *Bus) Closed(id schema.SessionID) {
	b.Publish(schema.Event{Name: schema.EventClosed, ID: id})
}

// Error publishes a terminal:error event.
func (b *Bus) Error(id schema.SessionID, msg string) {
	b.Publish(schema.Event{Name: schema.EventError, ID: id, Msg: msg})
}

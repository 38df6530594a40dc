package bus

import (
	"sync"
)

// Handler consumes one event payload.
type Handler func(payload []byte)

// Bus is an in-process publish/subscribe dispatcher. Connection handlers
// subscribe to per-client addresses (for example disconnect requests) and
// cluster components publish into them without holding references to the
// connections themselves.
type Bus struct {
	handlers map[string]map[int]Handler
	nextID   int
	mu       sync.RWMutex
}

func New() *Bus {
	return &Bus{
		handlers: make(map[string]map[int]Handler),
	}
}

// Subscribe registers a handler for an address and returns a cancel
// function that removes it.
func (b *Bus) Subscribe(address string, h Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if b.handlers[address] == nil {
		b.handlers[address] = make(map[int]Handler)
	}
	b.handlers[address][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.handlers[address], id)
		if len(b.handlers[address]) == 0 {
			delete(b.handlers, address)
		}
	}
}

// Publish delivers the payload to every handler subscribed to the address.
// Handlers run on their own goroutines so a slow consumer cannot stall the
// publisher.
func (b *Bus) Publish(address string, payload []byte) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[address]))
	for _, h := range b.handlers[address] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		go h(payload)
	}
}

// HasSubscribers reports whether any handler is registered on the address.
func (b *Bus) HasSubscribers(address string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.handlers[address]) > 0
}

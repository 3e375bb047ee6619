package events

import (
	"sync"
)

// Bus is a lightweight channel-based pub/sub broker. Delivery is best-effort:
// a slow subscriber drops messages instead of blocking the publisher, so the
// order path never stalls on observers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]chan any
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan any)}
}

// Subscribe registers a listener for a topic and returns the receiving
// channel together with an unsubscribe function.
func (b *Bus) Subscribe(t Topic, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[t] = append(b.subs[t], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[t]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[t] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}
	return ch, unsub
}

// Publish fans the payload out to all subscribers without blocking.
func (b *Bus) Publish(t Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[t] {
		select {
		case ch <- payload:
		default:
			// subscriber is behind; drop
		}
	}
}

// Close tears down all subscriptions. Publish becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for t, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, t)
	}
}

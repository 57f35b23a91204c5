// Package eventbus decouples the jobs layer from whatever wants to observe
// it (diagnostics, tests) with a small in-memory fanout bus.
//
// Publish never blocks: slow subscribers lose events rather than stalling a
// publisher. Subscribers therefore get buffered channels and best-effort
// delivery, which is the right trade-off for lifecycle notifications.
package eventbus

import (
	"sync"
	"time"
)

// Event is one notification. Data should stay small.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is an in-memory fanout bus. The zero value is not usable; create
// with New. A Bus owns no goroutines.
type Bus struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]chan Event
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish delivers e to every subscriber without blocking; events to full
// subscriber buffers are dropped.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends stay under the lock: they are non-blocking, and it keeps them
	// ordered before any concurrent unsubscribe's close.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered subscriber channel and returns it together
// with an idempotent unsubscribe function. After unsubscribe returns, no
// further events are delivered and the channel is closed.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

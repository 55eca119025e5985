package events

import (
	"fmt"
	"sync"

	"testrig/pkg/logging"
)

// Listener receives events published on a Broadcaster.
type Listener[E any] func(E)

// Broadcaster delivers events synchronously to every subscribed listener.
// A listener that panics is logged and skipped; delivery to the others continues.
type Broadcaster[E any] struct {
	name      string
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener[E]
	order     []int
}

// NewBroadcaster creates a Broadcaster. The name tags log entries.
func NewBroadcaster[E any](name string) *Broadcaster[E] {
	return &Broadcaster[E]{
		name:      name,
		listeners: make(map[int]Listener[E]),
	}
}

// Subscribe registers a listener and returns a function removing it again.
func (b *Broadcaster[E]) Subscribe(l Listener[E]) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Len returns the number of subscribed listeners.
func (b *Broadcaster[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers e to all listeners in subscription order. The listener set
// is copied before delivery so listeners may subscribe or unsubscribe.
func (b *Broadcaster[E]) Publish(e E) {
	b.mu.RLock()
	snapshot := make([]Listener[E], 0, len(b.order))
	for _, id := range b.order {
		snapshot = append(snapshot, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.deliver(l, e)
	}
}

func (b *Broadcaster[E]) deliver(l Listener[E], e E) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Events", fmt.Errorf("listener panic: %v", r), "Listener on %s failed", b.name)
		}
	}()
	l(e)
}

package livequery

import (
	"encoding/json"
	"sync"
)

// LiveData is the shared cell for one live query: the latest marshaled
// result plus the listeners to notify when it changes. Exactly one instance
// exists per cache key while any subscriber holds it.
type LiveData struct {
	mu        sync.Mutex
	value     json.RawMessage
	nextID    int
	listeners map[int]func(json.RawMessage)
}

func newLiveData(initial json.RawMessage) *LiveData {
	return &LiveData{
		value:     initial,
		listeners: make(map[int]func(json.RawMessage)),
	}
}

// Get returns the latest value.
func (d *LiveData) Get() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value
}

// Set stores a new value and notifies listeners. Notification runs outside
// the lock on a snapshot of the registry, so a listener may remove itself
// or register another without deadlocking.
func (d *LiveData) Set(value json.RawMessage) {
	d.mu.Lock()
	d.value = value
	fns := make([]func(json.RawMessage), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// Listen registers fn for future updates. The returned remove function is
// idempotent.
func (d *LiveData) Listen(fn func(json.RawMessage)) (remove func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

package feed

import (
	"context"
	"sync"
)

// Memory is an in-process feed for tests and single-node deployments that
// run without Redis. Delivery is synchronous with Publish, so events arrive
// in publish order; callbacks must not block.
type Memory struct {
	mu        sync.Mutex
	nextID    int
	listeners map[string]map[int]func(Event)
}

func NewMemory() *Memory {
	return &Memory{listeners: make(map[string]map[int]func(Event))}
}

func (f *Memory) Publish(_ context.Context, table, id string) error {
	f.mu.Lock()
	fns := make([]func(Event), 0, len(f.listeners[table]))
	for _, fn := range f.listeners[table] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	event := Event{Table: table, ID: id}
	for _, fn := range fns {
		fn(event)
	}
	return nil
}

func (f *Memory) Subscribe(_ context.Context, tables []string, fn func(Event)) (func(), error) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	for _, table := range tables {
		m := f.listeners[table]
		if m == nil {
			m = make(map[int]func(Event))
			f.listeners[table] = m
		}
		m[id] = fn
	}
	f.mu.Unlock()

	stop := func() {
		f.mu.Lock()
		for _, table := range tables {
			delete(f.listeners[table], id)
		}
		f.mu.Unlock()
	}
	return stop, nil
}

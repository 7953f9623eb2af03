// Package livequery shares the results of named queries between concurrent
// subscribers. Each distinct (query, args) pair holds at most one upstream
// watch; subscribers reference a shared LiveData cell, and the watch is torn
// down when the last reference is released.
package livequery

import (
	"context"
	"encoding/json"
	"sync"
)

// QueryClient executes named queries and watches them for changes. The
// queries package implements it; Resolver wraps one with deduplication and
// batching.
type QueryClient interface {
	Execute(ctx context.Context, query string, args any) (json.RawMessage, error)

	// Watch arranges for deliver to be called with a fresh result whenever
	// the query's underlying data changes. Deliveries for one watch arrive
	// in change order.
	Watch(query string, args any, deliver func(json.RawMessage)) (stop func(), err error)
}

// Cache deduplicates live queries. All concurrent subscribers to the same
// (query, args) share one LiveData and one upstream watch, so a popular
// query costs the same as a lonely one.
type Cache struct {
	client QueryClient

	mu      sync.Mutex
	watches map[string]*activeWatch
}

type activeWatch struct {
	data        *LiveData
	unsubscribe func()
	refs        int

	// ready is closed once the initial fetch finished; err carries its
	// outcome for waiters that joined while it was pending.
	ready chan struct{}
	err   error
}

// NewCache returns an empty cache around client. State lives entirely in
// the returned value; callers that need isolation construct their own.
func NewCache(client QueryClient) *Cache {
	return &Cache{client: client, watches: make(map[string]*activeWatch)}
}

// Acquire returns the shared LiveData for (query, args), fetching the
// initial value and registering the upstream watch if this is the first
// reference. The release function drops the reference and is safe to call
// more than once; at zero references the watch is unsubscribed and the
// entry removed, so the next Acquire starts fresh.
//
// If another acquisition is still running the initial fetch, Acquire blocks
// until it settles or ctx is done. An initial-fetch failure removes the
// entry before any waiter observes it, leaving no partial registration.
func (c *Cache) Acquire(ctx context.Context, query string, args any) (*LiveData, func(), error) {
	key, err := Key(query, args)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	if w, ok := c.watches[key]; ok {
		w.refs++
		c.mu.Unlock()
		return c.await(ctx, key, w)
	}
	w := &activeWatch{refs: 1, ready: make(chan struct{})}
	c.watches[key] = w
	c.mu.Unlock()

	// The fetch and watch registration run outside the lock so slow
	// upstreams never block acquisitions of other keys.
	value, err := c.client.Execute(ctx, query, args)
	if err == nil {
		w.data = newLiveData(value)
		var stop func()
		stop, err = c.client.Watch(query, args, w.data.Set)
		if err == nil {
			w.unsubscribe = stop
		}
	}

	if err != nil {
		c.mu.Lock()
		delete(c.watches, key)
		c.mu.Unlock()
		w.err = err
		close(w.ready)
		return nil, nil, err
	}

	close(w.ready)
	return w.data, c.releaseFunc(key, w), nil
}

// await blocks a joiner on an entry someone else is (or was) initializing.
// The joiner already holds a reference, so bailing out on ctx must give it
// back.
func (c *Cache) await(ctx context.Context, key string, w *activeWatch) (*LiveData, func(), error) {
	select {
	case <-w.ready:
	case <-ctx.Done():
		c.release(key, w)
		return nil, nil, ctx.Err()
	}
	if w.err != nil {
		// The creator already removed the entry; this reference dies with it.
		return nil, nil, w.err
	}
	return w.data, c.releaseFunc(key, w), nil
}

func (c *Cache) releaseFunc(key string, w *activeWatch) func() {
	var once sync.Once
	return func() {
		once.Do(func() { c.release(key, w) })
	}
}

func (c *Cache) release(key string, w *activeWatch) {
	c.mu.Lock()
	w.refs--
	// The identity check keeps a release racing a failed creator from
	// tearing down a successor entry under the same key.
	if w.refs > 0 || c.watches[key] != w {
		c.mu.Unlock()
		return
	}
	delete(c.watches, key)
	c.mu.Unlock()

	if w.unsubscribe != nil {
		w.unsubscribe()
	}
}

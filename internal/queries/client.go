package queries

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"

	"tapestry/api/internal/feed"
	"tapestry/api/internal/livequery"
	"tapestry/api/internal/observability"
)

// Client runs registered queries against current data and watches them for
// changes through the table feed. It satisfies the live query cache's
// QueryClient contract.
type Client struct {
	registry *Registry
	feed     feed.Feed
	group    singleflight.Group
}

func NewClient(registry *Registry, f feed.Feed) *Client {
	return &Client{registry: registry, feed: f}
}

// Execute runs the named query once and returns its marshaled result.
func (c *Client) Execute(ctx context.Context, name string, args any) (json.RawMessage, error) {
	q, ok := c.registry.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, name)
	}
	key, err := livequery.Key(name, args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal query args: %w", err)
	}
	return c.runShared(ctx, key, name, q.fn, raw)
}

// Watch subscribes to the feed for the query's declared tables. Each event
// re-executes the query on a dedicated goroutine and delivers the marshaled
// result only when its bytes changed since the last delivery, so deliveries
// arrive in change order. The initial fetch is the caller's job; the first
// relevant event therefore always delivers, since the watcher has nothing
// to compare against yet.
func (c *Client) Watch(name string, args any, deliver func(json.RawMessage)) (func(), error) {
	q, ok := c.registry.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, name)
	}
	key, err := livequery.Key(name, args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal query args: %w", err)
	}

	w := &watcher{
		client:  c,
		name:    name,
		key:     key,
		args:    raw,
		fn:      q.fn,
		deliver: deliver,
		dirty:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	stopFeed, err := c.feed.Subscribe(context.Background(), q.tables, func(feed.Event) {
		// Coalesce: one pending refresh covers any number of events.
		select {
		case w.dirty <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe feed: %w", err)
	}

	go w.loop()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			stopFeed()
			close(w.done)
		})
	}
	return stop, nil
}

func (c *Client) runShared(ctx context.Context, key, name string, fn QueryFunc, args json.RawMessage) (json.RawMessage, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		observability.IncQueryExecution(name)
		result, err := fn(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("run query %s: %w", name, err)
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal query result: %w", err)
		}
		return json.RawMessage(payload), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// watcher owns one live subscription: a feed hookup, a refresh loop and the
// last delivered bytes.
type watcher struct {
	client  *Client
	name    string
	key     string
	args    json.RawMessage
	fn      QueryFunc
	deliver func(json.RawMessage)

	dirty chan struct{}
	done  chan struct{}

	last json.RawMessage
}

func (w *watcher) loop() {
	for {
		select {
		case <-w.dirty:
			w.refresh()
		case <-w.done:
			return
		}
	}
}

func (w *watcher) refresh() {
	// A shared flight begun before the event would hand us pre-change
	// data, so force this execution to start fresh.
	w.client.group.Forget(w.key)
	value, err := w.client.runShared(context.Background(), w.key, w.name, w.fn, w.args)
	if err != nil {
		log.Printf("queries: refresh %s failed, keeping last value: %v", w.name, err)
		return
	}
	if w.last != nil && bytes.Equal(w.last, value) {
		return
	}
	w.last = value
	observability.IncLiveUpdate(w.name)
	w.deliver(value)
}

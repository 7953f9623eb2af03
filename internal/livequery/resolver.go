package livequery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var errResolverClosed = errors.New("resolver closed")

// ResolverOptions bound the micro-batcher. Zero values pick the defaults.
type ResolverOptions struct {
	// Window is how long the first request of a batch waits for company.
	Window time.Duration
	// MaxBatch flushes a batch early once this many requests are queued.
	MaxBatch int
	// Parallelism caps concurrent upstream executions per batch.
	Parallelism int
}

// Resolver wraps a QueryClient with two load-shedding layers: concurrent
// identical Executes are collapsed into one upstream call (the first
// caller's context governs the shared call), and requests arriving close
// together are drained into one batch executed with bounded parallelism.
// Watch passes straight through.
type Resolver struct {
	client QueryClient
	opts   ResolverOptions
	group  singleflight.Group
	queue  chan *batchRequest
	stop   chan struct{}
}

type batchRequest struct {
	ctx   context.Context
	query string
	args  any
	done  chan batchResult
}

type batchResult struct {
	value json.RawMessage
	err   error
}

func NewResolver(client QueryClient, opts ResolverOptions) *Resolver {
	if opts.Window <= 0 {
		opts.Window = 2 * time.Millisecond
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 32
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	r := &Resolver{
		client: client,
		opts:   opts,
		queue:  make(chan *batchRequest, opts.MaxBatch),
		stop:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Close stops the batch loop. Executes issued after Close fail.
func (r *Resolver) Close() {
	close(r.stop)
}

func (r *Resolver) Execute(ctx context.Context, query string, args any) (json.RawMessage, error) {
	key, err := Key(query, args)
	if err != nil {
		return nil, err
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.dispatch(ctx, query, args)
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (r *Resolver) Watch(query string, args any, deliver func(json.RawMessage)) (func(), error) {
	return r.client.Watch(query, args, deliver)
}

func (r *Resolver) dispatch(ctx context.Context, query string, args any) (json.RawMessage, error) {
	req := &batchRequest{ctx: ctx, query: query, args: args, done: make(chan batchResult, 1)}
	select {
	case r.queue <- req:
	case <-r.stop:
		return nil, errResolverClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-r.stop:
		return nil, errResolverClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) run() {
	for {
		select {
		case req := <-r.queue:
			r.execute(r.collect(req))
		case <-r.stop:
			return
		}
	}
}

// collect drains requests that arrive within the window into one batch.
func (r *Resolver) collect(first *batchRequest) []*batchRequest {
	batch := []*batchRequest{first}
	timer := time.NewTimer(r.opts.Window)
	defer timer.Stop()
	for len(batch) < r.opts.MaxBatch {
		select {
		case req := <-r.queue:
			batch = append(batch, req)
		case <-timer.C:
			return batch
		}
	}
	return batch
}

// execute runs a batch with bounded parallelism. Each request settles its
// own done channel; one failure never cancels the rest of the batch.
func (r *Resolver) execute(batch []*batchRequest) {
	var g errgroup.Group
	g.SetLimit(r.opts.Parallelism)
	for _, req := range batch {
		req := req
		g.Go(func() error {
			value, err := r.client.Execute(req.ctx, req.query, req.args)
			req.done <- batchResult{value: value, err: err}
			return nil
		})
	}
	g.Wait()
}

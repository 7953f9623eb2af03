// Package queries names the read queries that live subscriptions may run
// and records which tables each one reads, so the change feed can wake
// exactly the watchers that care.
package queries

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrUnknownQuery is returned when a name was never registered.
var ErrUnknownQuery = errors.New("unknown query")

// QueryFunc runs one registered query. args is the raw JSON the subscriber
// sent; the function decodes what it needs and returns a JSON-marshalable
// result.
type QueryFunc func(ctx context.Context, args json.RawMessage) (any, error)

type query struct {
	tables []string
	fn     QueryFunc
}

// Registry maps query names to their functions and declared tables.
type Registry struct {
	mu      sync.RWMutex
	queries map[string]query
}

func NewRegistry() *Registry {
	return &Registry{queries: make(map[string]query)}
}

// Register adds a named query reading the given tables. Registering a name
// twice is a programming error and panics, like http.ServeMux.
func (r *Registry) Register(name string, tables []string, fn QueryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queries[name]; ok {
		panic("queries: duplicate registration of " + name)
	}
	r.queries[name] = query{tables: tables, fn: fn}
}

func (r *Registry) lookup(name string) (query, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queries[name]
	return q, ok
}

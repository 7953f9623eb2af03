// Package feed propagates table-change notifications from writers to live
// query watchers. Events carry which table changed and the row involved;
// watchers re-read the store rather than trusting the payload.
package feed

import "context"

// Event is a single table-change notification.
type Event struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// Feed fans table-change events out to subscribers.
type Feed interface {
	// Publish announces that a row in table changed.
	Publish(ctx context.Context, table, id string) error

	// Subscribe registers fn for events on any of the given tables. The
	// returned stop function removes the subscription and may be called
	// more than once.
	Subscribe(ctx context.Context, tables []string, fn func(Event)) (stop func(), err error)
}

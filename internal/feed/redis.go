package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Redis is a feed backed by Redis pub/sub, one channel per table. Every API
// instance subscribed to a table sees every event, which is what keeps live
// queries fresh across replicas.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. prefix namespaces the pub/sub channels
// so one Redis can serve several environments.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "feed:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (f *Redis) channel(table string) string {
	return f.prefix + table
}

func (f *Redis) Publish(ctx context.Context, table, id string) error {
	payload, err := json.Marshal(Event{Table: table, ID: id})
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(table), payload).Err(); err != nil {
		return fmt.Errorf("publish feed event: %w", err)
	}
	return nil
}

func (f *Redis) Subscribe(ctx context.Context, tables []string, fn func(Event)) (func(), error) {
	channels := make([]string, len(tables))
	for i, table := range tables {
		channels[i] = f.channel(table)
	}

	sub := f.client.Subscribe(ctx, channels...)
	// Wait for the subscription to be confirmed so a Publish issued right
	// after Subscribe returns cannot be missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe feed: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("feed: drop malformed event on %s: %v", msg.Channel, err)
				continue
			}
			fn(event)
		}
	}()

	stop := func() {
		sub.Close()
		<-done
	}
	return stop, nil
}

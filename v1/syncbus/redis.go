package syncbus

import (
	"context"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis pub/sub. Each topic with local
// subscribers holds one Redis subscription.
type RedisBus struct {
	client redis.UniversalClient
	hub    *hub

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisBus returns a RedisBus publishing through client. The client is
// not closed by Close.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client, hub: newHub(), subs: make(map[string]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, topic, "1").Err(); err != nil {
		return fmt.Errorf("tally/syncbus: publish %q: %w", topic, err)
	}
	b.hub.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed
// the subscription, so a publish issued afterwards is delivered.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		ps := b.client.Subscribe(context.Background(), topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("tally/syncbus: subscribe %q: %w", topic, err)
		}
		b.subs[topic] = ps
		go b.dispatch(topic, ps)
	}
	ch, _ := b.hub.add(topic)
	b.hub.watch(ctx, topic, ch, func() { _ = b.Unsubscribe(context.Background(), topic, ch) })
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.hub.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(_ context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.hub.remove(topic, ch)
	if !found || !last {
		return nil
	}
	ps, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return ps.Close()
}

// Close drops every Redis subscription and closes local channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for topic, ps := range b.subs {
		if err := ps.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.subs, topic)
	}
	b.hub.closeAll()
	return first
}

// Metrics returns publish and delivery counts.
func (b *RedisBus) Metrics() Metrics { return b.hub.metrics() }

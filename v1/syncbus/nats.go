package syncbus

import (
	"context"
	"fmt"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using core NATS subjects.
type NATSBus struct {
	conn *nats.Conn
	hub  *hub

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection. The
// connection is not closed by Close.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, hub: newHub(), subs: make(map[string]*nats.Subscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(_ context.Context, topic string) error {
	if err := b.conn.Publish(topic, []byte("1")); err != nil {
		return fmt.Errorf("tally/syncbus: publish %q: %w", topic, err)
	}
	b.hub.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is flushed to the
// server before it returns.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		sub, err := b.conn.Subscribe(topic, func(*nats.Msg) { b.hub.deliver(topic) })
		if err != nil {
			return nil, fmt.Errorf("tally/syncbus: subscribe %q: %w", topic, err)
		}
		if err := b.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return nil, fmt.Errorf("tally/syncbus: subscribe %q: %w", topic, err)
		}
		b.subs[topic] = sub
	}
	ch, _ := b.hub.add(topic)
	b.hub.watch(ctx, topic, ch, func() { _ = b.Unsubscribe(context.Background(), topic, ch) })
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(_ context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.hub.remove(topic, ch)
	if !found || !last {
		return nil
	}
	sub, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return sub.Unsubscribe()
}

// Close drops every subject subscription and closes local channels.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for topic, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && first == nil {
			first = err
		}
		delete(b.subs, topic)
	}
	b.hub.closeAll()
	return first
}

// Metrics returns publish and delivery counts.
func (b *NATSBus) Metrics() Metrics { return b.hub.metrics() }

// Package syncbus carries release notifications between lock waiters.
//
// A notification is a bare wake-up on a topic: it tells a waiter that a
// retry is worth making now rather than at its next poll. Notifications can
// be coalesced or lost, and waiters must never rely on them for correctness.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus publishes and delivers wake-ups on named topics.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a channel that receives a value after each publish
	// on topic. Pending wake-ups are coalesced. The channel is closed by
	// Unsubscribe or when ctx is done.
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
	Close() error
}

// Metrics reports publish and delivery counts.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscription is one local subscriber. stop detaches the context watcher
// installed by Subscribe, if any.
type subscription struct {
	ch   chan struct{}
	stop func() bool
}

func (s *subscription) close() {
	if s.stop != nil {
		s.stop()
	}
	close(s.ch)
}

// hub fans a wake-up out to local subscribers. Callers hold their own lock
// around add and remove when they need them to be atomic with a transport
// subscription.
type hub struct {
	mu        sync.Mutex
	subs      map[string][]*subscription
	published atomic.Uint64
	delivered atomic.Uint64
}

func newHub() *hub {
	return &hub{subs: make(map[string][]*subscription)}
}

// add registers a new subscriber and reports whether it is the first one on
// topic.
func (h *hub) add(topic string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	first := len(h.subs[topic]) == 0
	h.subs[topic] = append(h.subs[topic], &subscription{ch: ch})
	h.mu.Unlock()
	return ch, first
}

// watch runs unsubscribe once ctx is done. The watcher is dropped as soon as
// ch is removed, so an unsubscribed channel holds no goroutine.
func (h *hub) watch(ctx context.Context, topic string, ch chan struct{}, unsubscribe func()) {
	if ctx.Done() == nil {
		return
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[topic] {
		if s.ch == ch {
			s.stop = stop
			return
		}
	}
	stop()
}

// remove closes ch and reports whether topic has no subscribers left. It is
// a no-op for a channel that was already removed.
func (h *hub) remove(topic string, ch chan struct{}) (found, last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[topic]
	for i, s := range subs {
		if s.ch == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			s.close()
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, topic)
		return found, true
	}
	h.subs[topic] = subs
	return found, false
}

func (h *hub) deliver(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[topic] {
		select {
		case s.ch <- struct{}{}:
			h.delivered.Add(1)
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.subs {
		for _, s := range subs {
			s.close()
		}
		delete(h.subs, topic)
	}
}

// size returns the number of live subscriptions.
func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}

func (h *hub) metrics() Metrics {
	return Metrics{Published: h.published.Load(), Delivered: h.delivered.Load()}
}

// InMemoryBus delivers wake-ups within a single process.
type InMemoryBus struct {
	hub *hub
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{hub: newHub()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.published.Add(1)
	b.hub.deliver(topic)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch, _ := b.hub.add(topic)
	b.hub.watch(ctx, topic, ch, func() { _ = b.Unsubscribe(context.Background(), topic, ch) })
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(_ context.Context, topic string, ch chan struct{}) error {
	b.hub.remove(topic, ch)
	return nil
}

// Close closes every open subscription.
func (b *InMemoryBus) Close() error {
	b.hub.closeAll()
	return nil
}

// Metrics returns publish and delivery counts.
func (b *InMemoryBus) Metrics() Metrics { return b.hub.metrics() }

// Subscribers returns the number of open subscriptions.
func (b *InMemoryBus) Subscribers() int { return b.hub.size() }

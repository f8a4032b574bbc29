package pubsub

import (
	"classmate/backend/internal/models"
	"context"
	"sync"
)

// MemoryBus is an in-process Bus used for single-node development and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	ch   chan models.Envelope
	done chan struct{}
	once sync.Once
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[*memorySub]struct{})}
}

// Publish delivers env to every current subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env models.Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySub, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	env.Topic = topic
	for _, s := range subs {
		select {
		case s.ch <- env:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a new subscriber on topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan models.Envelope, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s := &memorySub{
		ch:   make(chan models.Envelope, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySub]struct{})
	}
	b.topics[topic][s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.topics[topic], s)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			b.mu.Unlock()
			close(s.done)
		})
	}
	return s.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close rejects further publishes and subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

package pubsub

import (
	"classmate/backend/internal/logging"
	"classmate/backend/internal/models"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// subscribeTimeout bounds the wait for Redis to confirm a new topic.
const subscribeTimeout = 5 * time.Second

// redisPubSub is the part of *redis.PubSub the bus drives.
type redisPubSub interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	ChannelWithSubscriptions(opts ...redis.ChannelOption) <-chan interface{}
	Close() error
}

// RedisBus fans envelopes out across server instances with Redis Pub/Sub.
//
// All subscriptions of one bus share a single Redis connection. Each topic is
// subscribed on Redis while at least one local subscriber wants it, and
// incoming messages are fanned out to the local subscribers in process.
type RedisBus struct {
	Redis *redis.Client

	// newPubSub opens the shared subscription connection.
	newPubSub func(ctx context.Context) redisPubSub

	mu     sync.Mutex
	ps     redisPubSub
	topics map[string]*redisTopic
	closed bool
	wg     sync.WaitGroup
	logger zerolog.Logger
}

type redisTopic struct {
	subs map[*redisSub]struct{}
	// ready is closed once Redis confirmed the subscription.
	ready     chan struct{}
	confirmed bool
}

type redisSub struct {
	ch   chan models.Envelope
	done chan struct{}
	once sync.Once
}

// NewRedisBus wraps an existing Redis client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{
		Redis: rdb,
		newPubSub: func(ctx context.Context) redisPubSub {
			return rdb.Subscribe(ctx)
		},
		topics: make(map[string]*redisTopic),
		logger: logging.Component("pubsub"),
	}
}

// Publish serializes env as JSON and publishes it on topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, env models.Envelope) error {
	if b.isClosed() {
		return ErrClosed
	}
	env.Topic = topic
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.Redis.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the topic before returning, so a
// failed subscribe is reported to the caller instead of silently doing nothing.
// Later subscribers of an already confirmed topic return immediately.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan models.Envelope, func(), error) {
	s := &redisSub{
		ch:   make(chan models.Envelope, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	ps := b.pubSubLocked(ctx)
	t, ok := b.topics[topic]
	if !ok {
		t = &redisTopic{subs: make(map[*redisSub]struct{}), ready: make(chan struct{})}
		b.topics[topic] = t
		// Issued under the lock so it cannot be reordered with the
		// UNSUBSCRIBE of a previous generation of this topic.
		if err := ps.Subscribe(ctx, topic); err != nil {
			delete(b.topics, topic)
			// go-redis remembers the channel even when the write failed.
			_ = ps.Unsubscribe(context.WithoutCancel(ctx), topic)
			b.mu.Unlock()
			return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	t.subs[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			close(s.done)
			b.remove(topic, s)
		})
	}

	timer := time.NewTimer(subscribeTimeout)
	defer timer.Stop()
	select {
	case <-t.ready:
		return s.ch, cancel, nil
	case <-ctx.Done():
		cancel()
		return nil, nil, ctx.Err()
	case <-timer.C:
		cancel()
		return nil, nil, fmt.Errorf("subscribe %s: no confirmation from redis", topic)
	}
}

// pubSubLocked returns the shared connection, opening it on first use.
func (b *RedisBus) pubSubLocked(ctx context.Context) redisPubSub {
	if b.ps != nil {
		return b.ps
	}
	b.ps = b.newPubSub(context.WithoutCancel(ctx))
	b.wg.Add(1)
	go b.dispatch(b.ps.ChannelWithSubscriptions(redis.WithChannelSize(subscriberBuffer)))
	return b.ps
}

func (b *RedisBus) remove(topic string, s *redisSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(t.subs, s)
	if len(t.subs) > 0 || b.closed {
		return
	}
	delete(b.topics, topic)

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	if err := b.ps.Unsubscribe(ctx, topic); err != nil {
		b.logger.Debug().Err(err).Str("topic", topic).Msg("unsubscribe failed")
	}
}

// dispatch reads the shared connection until it is closed.
func (b *RedisBus) dispatch(ch <-chan interface{}) {
	defer b.wg.Done()

	for msg := range ch {
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.confirm(m.Channel)
			}
		case *redis.Message:
			var env models.Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Str("topic", m.Channel).Msg("dropping undecodable message")
				continue
			}
			b.deliver(m.Channel, env)
		}
	}
}

// confirm handles a subscribe confirmation. The first one for a topic
// releases the waiting Subscribe; any later one means go-redis reconnected
// and subscribed again, and local subscribers are told so.
func (b *RedisBus) confirm(topic string) {
	b.mu.Lock()
	t, ok := b.topics[topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	if !t.confirmed {
		t.confirmed = true
		close(t.ready)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.logger.Info().Str("topic", topic).Msg("subscription restored after reconnect")
	env, err := models.NewEnvelope(models.EventBusResubscribed, topic, "", nil)
	if err != nil {
		return
	}
	b.deliver(topic, env)
}

// deliver never blocks. A subscriber whose queue is full loses the message.
func (b *RedisBus) deliver(topic string, env models.Envelope) {
	b.mu.Lock()
	t, ok := b.topics[topic]
	var subs []*redisSub
	if ok {
		subs = make([]*redisSub, 0, len(t.subs))
		for s := range t.subs {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case <-s.done:
		case s.ch <- env:
		default:
			b.logger.Warn().Str("topic", topic).Str("event", env.Event).Msg("subscriber queue full, message dropped")
		}
	}
}

// Subscribers returns the number of local subscriptions on topic.
func (b *RedisBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		return len(t.subs)
	}
	return 0
}

// Close drops the shared connection. Subscriber channels stop receiving but
// are not closed.
func (b *RedisBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ps := b.ps
	b.mu.Unlock()

	if ps != nil {
		_ = ps.Close()
		b.wg.Wait()
	}
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

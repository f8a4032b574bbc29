package presence

import (
	"classmate/backend/internal/config"
	"classmate/backend/internal/logging"
	"classmate/backend/internal/metrics"
	"classmate/backend/internal/models"
	"classmate/backend/internal/pubsub"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyJoined is returned when Join is called twice on one Channel.
	ErrAlreadyJoined = errors.New("presence: channel already joined")
	// ErrNotJoined is returned by operations that need an active subscription.
	ErrNotJoined = errors.New("presence: channel not joined")
)

// Mirror receives this client's own presence writes so other processes (the
// admin CLI, the notifier) can query who is online without a subscription.
type Mirror interface {
	TouchPresence(ctx context.Context, topic, identity string, at time.Time) error
	RemovePresence(ctx context.Context, topic, identity string) error
}

// Options tune a Channel. Zero values fall back to the config defaults.
type Options struct {
	Heartbeat     time.Duration
	TTL           time.Duration
	SweepInterval time.Duration
	// OnSync receives a full snapshot after every visible change.
	OnSync func(topic string, participants []models.PresenceRecord)
	Mirror Mirror
	Clock  func() time.Time
}

type untrackPayload struct {
	Identity string `json:"identity"`
	ConnID   string `json:"conn_id,omitempty"`
}

// Channel is one client's membership in one presence room.
type Channel struct {
	bus    pubsub.Bus
	opts   Options
	table  *Table
	logger zerolog.Logger

	mu        sync.Mutex
	topic     string
	self      models.PresenceRecord
	joined    bool
	cancelSub func()
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewChannel creates an unjoined channel on bus.
func NewChannel(bus pubsub.Bus, opts Options) *Channel {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = config.HeartbeatInterval
	}
	if opts.TTL <= 0 {
		opts.TTL = config.PresenceTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = config.SweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Channel{
		bus:    bus,
		opts:   opts,
		table:  NewTable(opts.TTL),
		logger: logging.Component("presence"),
	}
}

// Join subscribes to topic and, once subscribed, tracks self. The returned
// func leaves the room; it is safe to call more than once.
func (c *Channel) Join(ctx context.Context, topic string, self models.PresenceRecord) (func(), error) {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	c.mu.Unlock()

	ch, cancel, err := c.bus.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	now := c.opts.Clock()
	if self.JoinedAt.IsZero() {
		self.JoinedAt = now
	}
	if self.ConnID == "" {
		self.ConnID = uuid.New().String()
	}
	self.LastActiveAt = now

	c.mu.Lock()
	c.topic = topic
	c.self = self
	c.joined = true
	c.cancelSub = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.table.Upsert(self, now)

	c.wg.Add(1)
	go c.loop(ch, c.done)

	if err := c.track(ctx); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("initial track failed")
	}
	c.requestSync(ctx)
	c.notify()

	var once sync.Once
	return func() { once.Do(c.leave) }, nil
}

// UpdateSelf merges patch into the current self record and republishes it.
// Every call publishes once; callers with bursty updates should debounce.
func (c *Channel) UpdateSelf(ctx context.Context, patch models.PresencePatch) (models.PresenceRecord, error) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return models.PresenceRecord{}, ErrNotJoined
	}
	c.self = patch.Apply(c.self)
	c.self.LastActiveAt = c.opts.Clock()
	self := c.self
	c.mu.Unlock()

	changed := c.table.Upsert(self, c.opts.Clock())
	err := c.track(ctx)
	if changed {
		c.notify()
	}
	return self, err
}

// Retrack republishes self and asks peers to re-announce. The channel calls
// it when the bus reports a restored subscription.
func (c *Channel) Retrack(ctx context.Context) error {
	if !c.isJoined() {
		return ErrNotJoined
	}
	if err := c.track(ctx); err != nil {
		return err
	}
	c.requestSync(ctx)
	return nil
}

// ListParticipants returns the current snapshot.
func (c *Channel) ListParticipants() []models.PresenceRecord {
	return c.table.Snapshot()
}

// Self returns the current self record.
func (c *Channel) Self() models.PresenceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Topic returns the joined topic, or "" when not joined.
func (c *Channel) Topic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

// Sweep evicts participants whose heartbeat expired and reports whether the
// snapshot changed.
func (c *Channel) Sweep() bool {
	evicted := c.table.Sweep(c.opts.Clock(), c.Self().Identity)
	if len(evicted) == 0 {
		return false
	}
	metrics.PresenceEvictions.Add(float64(len(evicted)))
	c.logger.Debug().Strs("identities", evicted).Str("topic", c.Topic()).Msg("evicted stale participants")
	c.notify()
	return true
}

func (c *Channel) loop(ch <-chan models.Envelope, done <-chan struct{}) {
	defer c.wg.Done()

	heartbeat := time.NewTicker(c.opts.Heartbeat)
	sweep := time.NewTicker(c.opts.SweepInterval)
	defer heartbeat.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			c.handle(env)
		case <-heartbeat.C:
			c.heartbeat()
		case <-sweep.C:
			c.Sweep()
		}
	}
}

func (c *Channel) handle(env models.Envelope) {
	self := c.Self()

	switch env.Event {
	case models.EventPresenceTrack:
		var rec models.PresenceRecord
		if err := env.Decode(&rec); err != nil || rec.Identity == "" {
			c.logger.Warn().Err(err).Msg("ignoring malformed track")
			return
		}
		if rec.Identity == self.Identity {
			// Our own echo; the local copy is authoritative.
			return
		}
		if c.table.Upsert(rec, c.opts.Clock()) {
			c.notify()
		}
	case models.EventPresenceUntrack:
		var p untrackPayload
		if err := env.Decode(&p); err != nil || p.Identity == self.Identity {
			return
		}
		// Another tab of the same identity may still be joined. Only the
		// connection we last heard from can take the record down.
		if cur, ok := c.table.Get(p.Identity); ok && p.ConnID != "" && cur.ConnID != "" && cur.ConnID != p.ConnID {
			return
		}
		if c.table.Remove(p.Identity) {
			c.notify()
		}
	case models.EventPresenceSyncReq:
		if env.From == self.Identity {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.track(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("re-announce failed")
		}
	case models.EventBusResubscribed:
		// Peers may have evicted us while the link was down, and we missed
		// their heartbeats too.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Retrack(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("retrack after reconnect failed")
		}
	}
}

func (c *Channel) heartbeat() {
	c.mu.Lock()
	c.self.LastActiveAt = c.opts.Clock()
	self := c.self
	c.mu.Unlock()

	c.table.Upsert(self, c.opts.Clock())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.track(ctx); err != nil {
		c.logger.Warn().Err(err).Str("topic", c.Topic()).Msg("heartbeat failed")
	}
}

func (c *Channel) track(ctx context.Context) error {
	c.mu.Lock()
	topic, self := c.topic, c.self
	c.mu.Unlock()

	env, err := models.NewEnvelope(models.EventPresenceTrack, topic, self.Identity, self)
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, topic, env); err != nil {
		return err
	}
	metrics.PresencePublishes.WithLabelValues("track").Inc()

	if c.opts.Mirror != nil {
		if err := c.opts.Mirror.TouchPresence(ctx, topic, self.Identity, self.LastActiveAt); err != nil {
			c.logger.Debug().Err(err).Msg("presence mirror touch failed")
		}
	}
	return nil
}

func (c *Channel) requestSync(ctx context.Context) {
	c.mu.Lock()
	topic, identity := c.topic, c.self.Identity
	c.mu.Unlock()

	env, _ := models.NewEnvelope(models.EventPresenceSyncReq, topic, identity, nil)
	if err := c.bus.Publish(ctx, topic, env); err != nil {
		c.logger.Debug().Err(err).Msg("sync request failed")
	}
}

func (c *Channel) leave() {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = false
	close(c.done)
	cancel := c.cancelSub
	topic, identity, connID := c.topic, c.self.Identity, c.self.ConnID
	c.mu.Unlock()

	c.wg.Wait()
	cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	// Best effort: peers that miss this still evict us after the TTL.
	env, _ := models.NewEnvelope(models.EventPresenceUntrack, topic, identity, untrackPayload{Identity: identity, ConnID: connID})
	if err := c.bus.Publish(ctx, topic, env); err != nil {
		c.logger.Debug().Err(err).Msg("untrack failed")
	} else {
		metrics.PresencePublishes.WithLabelValues("untrack").Inc()
	}
	if c.opts.Mirror != nil {
		_ = c.opts.Mirror.RemovePresence(ctx, topic, identity)
	}
	c.table.Clear()
}

func (c *Channel) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Channel) notify() {
	if c.opts.OnSync == nil {
		return
	}
	c.opts.OnSync(c.Topic(), c.table.Snapshot())
}

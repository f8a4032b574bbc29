package invite

import (
	"classmate/backend/internal/config"
	"classmate/backend/internal/dedup"
	"classmate/backend/internal/logging"
	"classmate/backend/internal/metrics"
	"classmate/backend/internal/models"
	"classmate/backend/internal/pubsub"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	pathRealtime = "realtime"
	pathPoll     = "poll"
)

// SubscriberOptions tune a Subscriber. Zero values use the config defaults.
type SubscriberOptions struct {
	PollInterval time.Duration
	StaleAfter   time.Duration
	Clock        func() time.Time
	// OnStatus, when set, receives every invite read from the realtime feed,
	// including invites placed by self. It runs on the delivery goroutine.
	OnStatus func(models.CallInvite)
}

// Subscriber delivers incoming invites for one client session. Two paths race
// to deliver each invite: the realtime bus and a fallback poll of the store.
// Both funnel through one dedup set, so onIncoming fires at most once per id.
type Subscriber struct {
	store InviteReader
	bus   pubsub.Bus
	seen  *dedup.Set
	opts  SubscriberOptions
	// SessionID identifies this subscriber in logs.
	SessionID string
	logger    zerolog.Logger
}

// InviteReader is the read side of the invite store used by the poll path.
type InviteReader interface {
	ListPendingInvites(ctx context.Context, inviteeID string, createdAfter time.Time) ([]models.CallInvite, error)
	ListInvitesByID(ctx context.Context, ids []string) ([]models.CallInvite, error)
}

// NewSubscriber creates a subscriber with its own dedup set.
func NewSubscriber(store InviteReader, bus pubsub.Bus, opts SubscriberOptions) *Subscriber {
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.InvitePollInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = config.InviteStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	sessionID := uuid.New().String()
	return &Subscriber{
		store:     store,
		bus:       bus,
		seen:      dedup.New(config.DedupRetention).WithClock(opts.Clock),
		opts:      opts,
		SessionID: sessionID,
		logger:    logging.Component("invite-subscriber").With().Str("session", sessionID).Logger(),
	}
}

// SubscribeIncoming starts delivering invites addressed to self. onIncoming
// fires once per fresh pending invite; onCancelled fires once for a surfaced
// invite that was cancelled or went stale without an answer. Callbacks run
// on a single goroutine. The returned func stops delivery.
//
// A failed realtime subscription is not an error: the poll path keeps running.
func (s *Subscriber) SubscribeIncoming(ctx context.Context, self string, onIncoming, onCancelled func(models.CallInvite)) func() {
	ctx, cancel := context.WithCancel(ctx)

	feed, unsubscribe, err := s.bus.Subscribe(ctx, config.InviteTopic(self))
	if err != nil {
		s.logger.Warn().Err(err).Str("identity", self).Msg("Realtime invite feed unavailable, polling only")
		feed, unsubscribe = nil, func() {}
	}

	l := &incomingLoop{
		sub:         s,
		self:        self,
		onIncoming:  onIncoming,
		onCancelled: onCancelled,
		surfaced:    make(map[string]models.CallInvite),
	}
	go l.run(ctx, feed)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			unsubscribe()
		})
	}
}

type incomingLoop struct {
	sub         *Subscriber
	self        string
	onIncoming  func(models.CallInvite)
	onCancelled func(models.CallInvite)
	// surfaced holds invites handed to onIncoming that are not yet resolved.
	surfaced map[string]models.CallInvite
}

func (l *incomingLoop) run(ctx context.Context, feed <-chan models.Envelope) {
	ticker := time.NewTicker(l.sub.opts.PollInterval)
	defer ticker.Stop()

	l.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-feed:
			if ctx.Err() != nil {
				return
			}
			if !ok {
				l.sub.logger.Warn().Msg("Realtime invite feed closed, polling only")
				feed = nil
				continue
			}
			if env.Event == models.EventBusResubscribed {
				// Invites published while the feed was down only show up in the store.
				l.poll(ctx)
				continue
			}
			var inv models.CallInvite
			if err := env.Decode(&inv); err != nil {
				l.sub.logger.Warn().Err(err).Str("event", env.Event).Msg("Dropping undecodable invite event")
				continue
			}
			if l.sub.opts.OnStatus != nil {
				l.sub.opts.OnStatus(inv)
			}
			l.observe(inv, pathRealtime)
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			l.poll(ctx)
		}
	}
}

func (l *incomingLoop) poll(ctx context.Context) {
	now := l.sub.opts.Clock()
	pending, err := l.sub.store.ListPendingInvites(ctx, l.self, now.Add(-l.sub.opts.StaleAfter))
	if err != nil {
		if ctx.Err() == nil {
			l.sub.logger.Warn().Err(err).Msg("Invite poll failed")
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	stillPending := make(map[string]bool, len(pending))
	for _, inv := range pending {
		stillPending[inv.ID] = true
		l.observe(inv, pathPoll)
	}

	var missing []string
	for id := range l.surfaced {
		if !stillPending[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}
	resolved, err := l.sub.store.ListInvitesByID(ctx, missing)
	if err != nil {
		if ctx.Err() == nil {
			l.sub.logger.Warn().Err(err).Msg("Invite status lookup failed")
		}
		return
	}
	for _, inv := range resolved {
		l.observe(inv, pathPoll)
	}
}

// observe applies one sighting of an invite, from either path.
func (l *incomingLoop) observe(inv models.CallInvite, path string) {
	if inv.InviteeID != l.self {
		return
	}
	now := l.sub.opts.Clock()

	switch inv.Status {
	case models.InviteStatusPending:
		if _, ok := l.surfaced[inv.ID]; ok {
			if inv.IsStale(now, l.sub.opts.StaleAfter) {
				// Abandoned while ringing.
				delete(l.surfaced, inv.ID)
				l.onCancelled(inv)
			}
			return
		}
		if inv.IsStale(now, l.sub.opts.StaleAfter) {
			if l.sub.seen.MarkIfNew(inv.ID) {
				metrics.InviteDeliveries.WithLabelValues(path, "stale").Inc()
			}
			return
		}
		if !l.sub.seen.MarkIfNew(inv.ID) {
			metrics.InviteDeliveries.WithLabelValues(path, "duplicate").Inc()
			return
		}
		metrics.InviteDeliveries.WithLabelValues(path, "delivered").Inc()
		l.surfaced[inv.ID] = inv
		l.onIncoming(inv)

	case models.InviteStatusCancelled:
		l.sub.seen.MarkIfNew(inv.ID)
		if _, ok := l.surfaced[inv.ID]; ok {
			delete(l.surfaced, inv.ID)
			l.onCancelled(inv)
		}

	default:
		// accepted or declined, possibly from another device of the same user
		l.sub.seen.MarkIfNew(inv.ID)
		delete(l.surfaced, inv.ID)
	}
}

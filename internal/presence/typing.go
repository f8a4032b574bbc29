package presence

import (
	"classmate/backend/internal/config"
	"classmate/backend/internal/logging"
	"classmate/backend/internal/models"
	"classmate/backend/internal/pubsub"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TypingOptions tune a Typing broadcaster. Zero values use config defaults.
type TypingOptions struct {
	Expiry time.Duration
	// OnUpdate receives the current typers of a watched conversation whenever
	// someone starts, stops or expires.
	OnUpdate func(conversationID string, typers []models.TypingUser)
	Clock    func() time.Time
}

type typer struct {
	user      models.TypingUser
	refreshed time.Time
}

type conversation struct {
	typers map[string]typer
	cancel func()
	done   chan struct{}
}

// Typing broadcasts and tracks typing indicators for one identity. Because a
// "stopped typing" message may never arrive, typers expire locally after
// Expiry without a refresh.
type Typing struct {
	bus         pubsub.Bus
	identity    string
	displayName string
	opts        TypingOptions
	logger      zerolog.Logger

	mu    sync.Mutex
	convs map[string]*conversation
	wg    sync.WaitGroup
}

// NewTyping creates a broadcaster acting as identity.
func NewTyping(bus pubsub.Bus, identity, displayName string, opts TypingOptions) *Typing {
	if opts.Expiry <= 0 {
		opts.Expiry = config.TypingExpiry
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Typing{
		bus:         bus,
		identity:    identity,
		displayName: displayName,
		opts:        opts,
		logger:      logging.Component("typing"),
		convs:       make(map[string]*conversation),
	}
}

// SendTyping fires a best-effort typing broadcast for conversationID.
func (t *Typing) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	topic := config.TypingTopic(conversationID)
	env, err := models.NewEnvelope(models.EventTyping, topic, t.identity, models.TypingEvent{
		Identity:       t.identity,
		DisplayName:    t.displayName,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return err
	}
	return t.bus.Publish(ctx, topic, env)
}

// Watch subscribes to typing events for conversationID. The returned func
// stops watching; calling Watch again for the same conversation is a no-op.
func (t *Typing) Watch(ctx context.Context, conversationID string) (func(), error) {
	t.mu.Lock()
	if _, ok := t.convs[conversationID]; ok {
		t.mu.Unlock()
		return func() { t.Unwatch(conversationID) }, nil
	}
	t.mu.Unlock()

	ch, cancel, err := t.bus.Subscribe(ctx, config.TypingTopic(conversationID))
	if err != nil {
		return nil, err
	}

	conv := &conversation{
		typers: make(map[string]typer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.mu.Lock()
	t.convs[conversationID] = conv
	t.mu.Unlock()

	t.wg.Add(1)
	go t.loop(conversationID, ch, conv.done)

	return func() { t.Unwatch(conversationID) }, nil
}

// Unwatch stops tracking conversationID.
func (t *Typing) Unwatch(conversationID string) {
	t.mu.Lock()
	conv, ok := t.convs[conversationID]
	if ok {
		delete(t.convs, conversationID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	close(conv.done)
	conv.cancel()
}

// Typers returns the identities currently typing in conversationID, excluding
// self and anyone whose last refresh is older than the expiry.
func (t *Typing) Typers(conversationID string) []models.TypingUser {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv, ok := t.convs[conversationID]
	if !ok {
		return nil
	}
	now := t.opts.Clock()
	out := make([]models.TypingUser, 0, len(conv.typers))
	for _, u := range sortedTypers(conv) {
		if now.Sub(conv.typers[u.Identity].refreshed) < t.opts.Expiry {
			out = append(out, u)
		}
	}
	return out
}

// Expire drops stale typers in every watched conversation and notifies
// OnUpdate for each conversation that changed.
func (t *Typing) Expire() {
	now := t.opts.Clock()
	type update struct {
		id     string
		typers []models.TypingUser
	}
	var updates []update

	t.mu.Lock()
	for id, conv := range t.convs {
		if t.pruneLocked(conv, now) {
			updates = append(updates, update{id: id, typers: sortedTypers(conv)})
		}
	}
	t.mu.Unlock()

	for _, u := range updates {
		t.emit(u.id, u.typers)
	}
}

// Close stops every watch.
func (t *Typing) Close() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.convs))
	for id := range t.convs {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.Unwatch(id)
	}
	t.wg.Wait()
}

func (t *Typing) loop(conversationID string, ch <-chan models.Envelope, done <-chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.opts.Expiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			t.handle(conversationID, env)
		case <-ticker.C:
			t.Expire()
		}
	}
}

func (t *Typing) handle(conversationID string, env models.Envelope) {
	if env.Event != models.EventTyping {
		return
	}
	var ev models.TypingEvent
	if err := env.Decode(&ev); err != nil {
		t.logger.Warn().Err(err).Msg("ignoring malformed typing event")
		return
	}
	if ev.Identity == "" || ev.Identity == t.identity {
		return
	}

	now := t.opts.Clock()
	t.mu.Lock()
	conv, ok := t.convs[conversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	prev, was := conv.typers[ev.Identity]
	if was && now.Sub(prev.refreshed) >= t.opts.Expiry {
		was = false
	}
	changed := false
	if ev.IsTyping {
		since := now
		if was {
			since = prev.user.Since
		}
		conv.typers[ev.Identity] = typer{
			user:      models.TypingUser{Identity: ev.Identity, DisplayName: ev.DisplayName, Since: since},
			refreshed: now,
		}
		changed = !was
	} else if _, ok := conv.typers[ev.Identity]; ok {
		delete(conv.typers, ev.Identity)
		changed = was
	}
	typers := sortedTypers(conv)
	t.mu.Unlock()

	if changed {
		t.emit(conversationID, typers)
	}
}

func (t *Typing) pruneLocked(conv *conversation, now time.Time) bool {
	pruned := false
	for id, ty := range conv.typers {
		if now.Sub(ty.refreshed) >= t.opts.Expiry {
			delete(conv.typers, id)
			pruned = true
		}
	}
	return pruned
}

func (t *Typing) emit(conversationID string, typers []models.TypingUser) {
	if t.opts.OnUpdate != nil {
		t.opts.OnUpdate(conversationID, typers)
	}
}

func sortedTypers(conv *conversation) []models.TypingUser {
	out := make([]models.TypingUser, 0, len(conv.typers))
	for _, ty := range conv.typers {
		out = append(out, ty.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

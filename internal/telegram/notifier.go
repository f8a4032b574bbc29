package telegram

import (
	"classmate/backend/internal/config"
	"classmate/backend/internal/localization"
	"classmate/backend/internal/logging"
	"classmate/backend/internal/metrics"
	"classmate/backend/internal/models"
	"context"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// OnlineChecker reports who is present on a topic.
type OnlineChecker interface {
	OnlineIdentities(ctx context.Context, topic string, since time.Time) ([]string, error)
}

// LocalSessions reports websocket sessions held by this process.
type LocalSessions interface {
	IsConnected(userID string) bool
}

// CallNotifier messages invitees who are not connected when a call starts.
// It implements invite.Notifier.
type CallNotifier struct {
	sender    Sender
	presence  OnlineChecker
	local     LocalSessions
	localizer *localization.Localizer
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// NewCallNotifier creates a notifier. presence may be nil, in which case
// every linked invitee is messaged.
func NewCallNotifier(sender Sender, presence OnlineChecker, localizer *localization.Localizer) *CallNotifier {
	return &CallNotifier{
		sender:    sender,
		presence:  presence,
		localizer: localizer,
		timeout:   10 * time.Second,
		now:       time.Now,
		logger:    logging.Component("telegram"),
	}
}

// WithLocalSessions also counts invitees connected to this process as online.
// Without Redis there is no presence mirror and this is the only check.
func (n *CallNotifier) WithLocalSessions(local LocalSessions) *CallNotifier {
	n.local = local
	return n
}

// NotifyIncoming sends the message in the background.
func (n *CallNotifier) NotifyIncoming(_ context.Context, invite models.CallInvite, invitee *models.Profile) {
	if invitee == nil || invitee.TelegramChatID == nil {
		return
	}
	chatID := *invitee.TelegramChatID
	lang := invitee.Language
	if lang == "" {
		lang = localization.DefaultLanguage
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		// Detached from the request, which is finished by the time this runs.
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		if n.isOnline(ctx, invite.InviteeID) {
			metrics.InviteDeliveries.WithLabelValues("telegram", "online").Inc()
			return
		}

		msg := tgbotapi.NewMessage(chatID, n.render(lang, invite))
		if _, err := n.sender.Send(msg); err != nil {
			metrics.InviteDeliveries.WithLabelValues("telegram", "failed").Inc()
			n.logger.Error().Err(err).Str("invite_id", invite.ID).Msg("Failed to send call notification")
			return
		}
		metrics.InviteDeliveries.WithLabelValues("telegram", "delivered").Inc()
	}()
}

// Wait blocks until in-flight notifications finish.
func (n *CallNotifier) Wait() {
	n.wg.Wait()
}

func (n *CallNotifier) isOnline(ctx context.Context, identity string) bool {
	if n.local != nil && n.local.IsConnected(identity) {
		return true
	}
	if n.presence == nil {
		return false
	}
	online, err := n.presence.OnlineIdentities(ctx, config.GlobalPresenceTopic, n.now().Add(-config.PresenceTTL))
	if err != nil {
		n.logger.Warn().Err(err).Msg("Presence lookup failed, notifying anyway")
		return false
	}
	for _, id := range online {
		if id == identity {
			return true
		}
	}
	return false
}

func (n *CallNotifier) render(lang string, invite models.CallInvite) string {
	key := "missed_call_voice"
	if invite.CallType == models.CallTypeVideo {
		key = "missed_call_video"
	}
	name := invite.InviterName
	if name == "" {
		name = invite.InviterID
	}

	lines := []string{n.localizer.Format(lang, key, name)}
	switch invite.ContextType {
	case models.ContextGroup:
		lines = append(lines, n.localizer.GetString(lang, "missed_call_context_group"))
	case models.ContextStudyRoom:
		lines = append(lines, n.localizer.GetString(lang, "missed_call_context_study_room"))
	}
	lines = append(lines, n.localizer.GetString(lang, "missed_call_open"))

	return strings.Join(lines, "\n")
}

// Package telegram reaches users through the Telegram Bot API. It answers a
// small set of bot commands and tells offline users about incoming calls.
package telegram

import (
	"classmate/backend/internal/localization"
	"classmate/backend/internal/logging"
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender is the part of the Bot API used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotService answers bot commands.
type BotService struct {
	BotAPI    *tgbotapi.BotAPI
	Localizer *localization.Localizer
	logger    zerolog.Logger
}

// NewBotService authorizes against the Bot API with token.
func NewBotService(token string, localizer *localization.Localizer) (*BotService, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram authorization failed: %w", err)
	}
	bot.Debug = false

	s := &BotService{
		BotAPI:    bot,
		Localizer: localizer,
		logger:    logging.Component("telegram"),
	}
	s.logger.Info().Str("account", bot.Self.UserName).Msg("Authorized on Telegram")
	return s, nil
}

// Run long-polls for updates until ctx is done.
func (s *BotService) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := s.BotAPI.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			s.BotAPI.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				HandleCommand(update.Message, s.BotAPI, s.Localizer, s.logger)
			}
		}
	}
}

// HandleCommand replies to /start and /help. Other messages get a hint.
func HandleCommand(msg *tgbotapi.Message, sender Sender, localizer *localization.Localizer, logger zerolog.Logger) {
	if msg == nil || msg.Chat.ID == 0 {
		return
	}

	lang := localization.DefaultLanguage
	if msg.From != nil && msg.From.LanguageCode != "" {
		lang = strings.SplitN(msg.From.LanguageCode, "-", 2)[0]
	}

	var text string
	switch msg.Command() {
	case "start":
		text = localizer.Format(lang, "bot_welcome", msg.Chat.ID)
	case "help":
		text = localizer.GetString(lang, "bot_help")
	default:
		text = localizer.GetString(lang, "bot_unknown_command")
	}

	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	reply.ParseMode = tgbotapi.ModeMarkdown
	if _, err := sender.Send(reply); err != nil {
		logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("Failed to send bot reply")
	}
}

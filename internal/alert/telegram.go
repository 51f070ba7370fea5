package alert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Telegram allows about 30 messages per second per bot.
const telegramSendInterval = 50 * time.Millisecond

// MessageSender is the part of tgbotapi.BotAPI used for alerts.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter posts alerts to a fixed set of chats.
type TelegramAlerter struct {
	bot     MessageSender
	chatIDs []int64
	logger  zerolog.Logger
}

// NewTelegramAlerter connects the bot with the given token.
func NewTelegramAlerter(token string, chatIDs []int64) (*TelegramAlerter, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	return NewTelegramAlerterWithSender(bot, chatIDs), nil
}

func NewTelegramAlerterWithSender(bot MessageSender, chatIDs []int64) *TelegramAlerter {
	return &TelegramAlerter{
		bot:     bot,
		chatIDs: chatIDs,
		logger:  log.With().Str("component", "telegram_alert").Logger(),
	}
}

func (t *TelegramAlerter) Alert(ctx context.Context, a Alert) error {
	text := a.Text()
	var errs []error
	for i, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			t.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send alert")
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
		if i < len(t.chatIDs)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(telegramSendInterval):
			}
		}
	}
	return errors.Join(errs...)
}

// ParseChatIDs parses a comma separated list of chat ids.
func ParseChatIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

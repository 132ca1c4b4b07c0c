package notification

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// telegramSender is the slice of the bot API the notifier needs.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends HTML-formatted messages to a fixed chat.
type TelegramNotifier struct {
	bot    telegramSender
	chatID int64
	logger zerolog.Logger
}

// TelegramConfig contains Telegram-specific configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// NewTelegram creates a Telegram notifier. It validates the token
// against the Bot API, so it needs network access.
func NewTelegram(cfg TelegramConfig, logger zerolog.Logger) (*TelegramNotifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", cfg.ChatID, err)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}

	return newTelegramNotifier(bot, chatID, logger), nil
}

func newTelegramNotifier(bot telegramSender, chatID int64, logger zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		logger: logger.With().Str("notifier", "telegram").Logger(),
	}
}

func (n *TelegramNotifier) OnProgress(_ context.Context, event ProgressEvent) error {
	return n.send(formatProgress(event))
}

func (n *TelegramNotifier) OnOutcome(_ context.Context, event OutcomeEvent) error {
	return n.send(formatOutcome(event))
}

func (n *TelegramNotifier) send(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	return nil
}

func formatProgress(event ProgressEvent) string {
	var sb strings.Builder
	sb.WriteString("<b>⬇️ Downloading</b>\n\n")
	sb.WriteString(fmt.Sprintf("<b>%s</b>\n", html.EscapeString(event.Title)))
	sb.WriteString(fmt.Sprintf("\n📊 Progress: %.0f%%", event.Progress*100))
	return sb.String()
}

func formatOutcome(event OutcomeEvent) string {
	var sb strings.Builder
	switch event.State {
	case "delivered":
		sb.WriteString("<b>✅ Ready to Watch</b>\n\n")
	case "cancelled":
		sb.WriteString("<b>🚫 Request Cancelled</b>\n\n")
	default:
		sb.WriteString("<b>❌ Request Failed</b>\n\n")
	}

	sb.WriteString(fmt.Sprintf("<b>%s</b>\n", html.EscapeString(event.Title)))
	if event.Reason != "" {
		sb.WriteString(fmt.Sprintf("\n<code>%s</code>", html.EscapeString(event.Reason)))
	}
	return sb.String()
}

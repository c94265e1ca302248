package telegram

import (
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/infra/metrics"
)

// Notifier отправляет уведомления в чаты через Bot API.
type Notifier struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

var _ domain.Notifier = (*Notifier)(nil)

// NewNotifier создаёт отправителя.
func NewNotifier(bot *tgbotapi.BotAPI, log zerolog.Logger) *Notifier {
	return &Notifier{bot: bot, log: log}
}

// Send отправляет текст в чат, разбивая его по лимиту Telegram.
func (n *Notifier) Send(tgChatID int64, text string) error {
	parts := SplitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(tgChatID, part)
		start := time.Now()
		_, err := n.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(tgChatID, 10), start, err)
		if err != nil {
			metrics.NotifySendErrors.Inc()
			return err
		}
	}
	return nil
}

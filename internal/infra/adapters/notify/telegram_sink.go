package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain/model"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink posts notices to an operator chat.
type TelegramSink struct {
	bot    telegramSender
	chatID int64
}

func NewTelegramSink(cfg config.TelegramNotifyConfig, client *http.Client) (*TelegramSink, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, errors.New("telegram notify: token and chat_id are required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram notify: %w", err)
	}
	return &TelegramSink{bot: bot, chatID: cfg.ChatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, n model.PaymentNotice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(s.chatID, formatNotice(n))
	msg.DisableWebPagePreview = true
	_, err := s.bot.Send(msg)
	return err
}

func formatNotice(n model.PaymentNotice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment %s via %s\n", n.Kind, n.Method)
	fmt.Fprintf(&b, "Amount: %d.%02d %s", n.Amount/100, n.Amount%100, n.Currency)
	if n.Discount > 0 {
		fmt.Fprintf(&b, " (discount %d.%02d)", n.Discount/100, n.Discount%100)
	}
	fmt.Fprintf(&b, "\nUser: %s", n.UserID)
	if n.UserEmail != "" {
		fmt.Fprintf(&b, " <%s>", n.UserEmail)
	}
	fmt.Fprintf(&b, "\nTransaction: %s", n.TransactionID)
	if n.Detail != "" {
		fmt.Fprintf(&b, "\nDetail: %s", n.Detail)
	}
	return b.String()
}

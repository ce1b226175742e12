package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"dealwatch/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers chat messages through the Telegram Bot API.
type Telegram struct {
	api telegramAPI
}

// NewTelegram creates a Telegram sender for the given bot token.
func NewTelegram(token string) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Telegram{api: api}, nil
}

// Send implements Sender. The destination is a numeric chat ID.
func (t *Telegram) Send(_ context.Context, destination string, p model.Payload) Result {
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return Permanent(fmt.Errorf("invalid chat id %q", destination))
	}
	msg := tgbotapi.NewMessage(chatID, Text(p))
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return telegramResult(err)
	}
	return Delivered()
}

func telegramResult(err error) Result {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 || apiErr.RetryAfter > 0 {
			return Transient(err)
		}
		return Permanent(err)
	}
	return Transient(err)
}

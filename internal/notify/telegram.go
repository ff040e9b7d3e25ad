package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rss_sentinel/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers notifications as Telegram messages. The subscriber
// ID is the Telegram chat ID.
type Telegram struct {
	api telegramAPI
	log *slog.Logger
}

// NewTelegram creates a Telegram notifier with the given bot token.
func NewTelegram(token string, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Telegram{api: api, log: log}, nil
}

// Deliver sends a single match. Items carrying an image are sent as a
// photo with the notification text as caption.
func (t *Telegram) Deliver(ctx context.Context, subscriberID int64, ev model.MatchEvent) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{SubscriberID: subscriberID, Err: err}
	}

	text := FormatMatch(ev)

	var msg tgbotapi.Chattable
	if ev.Item.ImageURL != "" {
		photo := tgbotapi.NewPhoto(subscriberID, tgbotapi.FileURL(ev.Item.ImageURL))
		photo.Caption = text
		msg = photo
	} else {
		m := tgbotapi.NewMessage(subscriberID, text)
		m.DisableWebPagePreview = false
		msg = m
	}

	if _, err := t.api.Send(msg); err != nil {
		return &DeliveryError{SubscriberID: subscriberID, Err: err}
	}
	t.log.Debug("delivered", "subscriber_id", subscriberID, "title", ev.Item.Title)
	return nil
}

// DeliverDigest sends the buffered matches as one message.
func (t *Telegram) DeliverDigest(ctx context.Context, subscriberID int64, evs []model.MatchEvent) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{SubscriberID: subscriberID, Err: err}
	}

	msg := tgbotapi.NewMessage(subscriberID, FormatDigest(evs))
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return &DeliveryError{SubscriberID: subscriberID, Err: err}
	}
	t.log.Debug("delivered digest", "subscriber_id", subscriberID, "count", len(evs))
	return nil
}

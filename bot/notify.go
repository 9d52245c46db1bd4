package bot

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"s21-notifier/pkg/notifier"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Recipient supplies the administrator chat and display timezone.
type Recipient interface {
	AdminChatID() string
	Timezone() string
}

// Notifier delivers notifications to the administrator chat.
type Notifier struct {
	api    Messenger
	to     Recipient
	logger *slog.Logger
}

// NewNotifier creates a Telegram notification sink.
func NewNotifier(api Messenger, to Recipient, logger *slog.Logger) *Notifier {
	return &Notifier{api: api, to: to, logger: logger}
}

// SendNotification delivers n to the administrator chat.
func (t *Notifier) SendNotification(_ context.Context, n notifier.Notification) error {
	admin := t.to.AdminChatID()
	if admin == "" {
		return notifier.Errorf(notifier.KindConfig, "send notification", "admin chat is not set")
	}
	chatID, err := strconv.ParseInt(admin, 10, 64)
	if err != nil {
		return &notifier.Error{Kind: notifier.KindConfig, Op: "send notification", Err: err}
	}
	return t.send(chatID, n, t.to.Timezone())
}

// send tries MarkdownV2, then HTML, then plain text.
func (t *Notifier) send(chatID int64, n notifier.Notification, zone string) error {
	attempts := []struct {
		mode   string
		render func(notifier.Notification, string) string
	}{
		{tgbotapi.ModeMarkdownV2, formatMarkdown},
		{tgbotapi.ModeHTML, formatHTML},
		{"", formatPlain},
	}

	var errs []error
	for _, a := range attempts {
		msg := tgbotapi.NewMessage(chatID, a.render(n, zone))
		msg.ParseMode = a.mode
		if _, err := t.api.Send(msg); err != nil {
			t.logger.Warn("Notification send failed, trying next format", "id", n.ID, "mode", a.mode, "error", err)
			errs = append(errs, err)
			continue
		}
		t.logger.Info("Notification sent", "id", n.ID, "mode", a.mode)
		return nil
	}
	return &notifier.Error{Kind: notifier.KindTransport, Op: "send notification", Err: errors.Join(errs...)}
}

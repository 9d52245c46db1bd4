// Package email mirrors relayed notifications to a mailbox via pluggable providers.
package email

import (
	"context"
	"log/slog"
	"strings"

	"s21-notifier/pkg/notifier"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// ZoneSource supplies the display timezone.
type ZoneSource interface {
	Timezone() string
}

// Sender mirrors notifications to one mailbox using a pluggable provider.
type Sender struct {
	provider Provider
	zones    ZoneSource
	logger   *slog.Logger
	to       string
}

// New creates a new email sender with the given provider.
func New(provider Provider, zones ZoneSource, logger *slog.Logger, to string) *Sender {
	return &Sender{
		provider: provider,
		zones:    zones,
		logger:   logger,
		to:       to,
	}
}

// SendNotification emails a single platform notification.
func (s *Sender) SendNotification(ctx context.Context, n notifier.Notification) error {
	if s.to == "" {
		return notifier.Errorf(notifier.KindConfig, "send email", "no recipient configured")
	}

	subject := "School 21: " + strings.TrimSpace(n.GroupName)
	if n.GroupName == "" {
		subject = "School 21: новое уведомление"
	}

	body := formatNotificationBody(n, s.zones.Timezone())

	s.logger.Info("Sending notification email",
		"to", s.to,
		"subject", subject,
		"id", n.ID)

	return s.provider.Send(ctx, s.to, subject, body)
}

package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"s21-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends mirror emails from the authenticated Google account.
type GmailProvider struct {
	service    *gmail.Service
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewGmailProvider wraps an initialized Gmail service.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, logger: logger, retryDelay: time.Second}
}

// sanitizeEmailHeader drops control characters so a value cannot start a new header line.
func sanitizeEmailHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// buildMessage renders an RFC 5322 HTML message. Non-ASCII subjects are Q-encoded.
func buildMessage(to, subject, htmlBody string) string {
	var b strings.Builder
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "To: %s\r\n", sanitizeEmailHeader(to))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(subject)))
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(htmlBody)
	return b.String()
}

// Send delivers one message through users.messages.send. Rejected requests are not retried.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	raw := base64.URLEncoding.EncodeToString([]byte(buildMessage(to, subject, htmlBody)))

	var last error
	err := retry.Do(
		func() error {
			err := g.sendOnce(ctx, raw, to)
			if err == nil {
				return nil
			}
			last = err
			if k := notifier.KindOf(err); k == notifier.KindBadRequest || k == notifier.KindCredentials {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(g.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(g.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if last != nil {
			err = last
		}
		return fmt.Errorf("gmail: %w", err)
	}
	return nil
}

func (g *GmailProvider) sendOnce(ctx context.Context, raw, to string) error {
	start := time.Now()
	msg, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	duration := time.Since(start)
	if err != nil {
		g.logger.Warn("Gmail API send failed",
			"to", to,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return classifyGmailError(err)
	}

	g.logger.Info("Gmail API request completed",
		"to", to,
		"message_id", msg.Id,
		"duration_ms", duration.Milliseconds())
	return nil
}

// classifyGmailError maps API status codes onto failure kinds.
func classifyGmailError(err error) error {
	const op = "gmail send"
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return &notifier.Error{Kind: notifier.KindTransport, Op: op, Err: err}
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
		return &notifier.Error{Kind: notifier.KindUpstream, Op: op, Err: err}
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		return &notifier.Error{Kind: notifier.KindCredentials, Op: op, Err: err}
	default:
		return &notifier.Error{Kind: notifier.KindBadRequest, Op: op, Err: err}
	}
}

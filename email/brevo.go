package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"s21-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBrevoURL is the Brevo transactional email endpoint.
const DefaultBrevoURL = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails via Brevo (formerly Sendinblue) API.
type BrevoProvider struct {
	client     *http.Client
	logger     *slog.Logger
	apiKey     string
	fromAddr   string
	fromName   string
	endpoint   string
	retryDelay time.Duration
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		apiKey:     apiKey,
		fromAddr:   fromAddr,
		fromName:   fromName,
		endpoint:   DefaultBrevoURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		retryDelay: time.Second,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Send sends an email via Brevo API. Client errors other than 429 are not retried.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	reqBody := brevoSendRequest{
		Sender:  brevoContact{Email: b.fromAddr, Name: b.fromName},
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var last error
	err = retry.Do(
		func() error {
			err := b.post(ctx, jsonData, to)
			if err == nil {
				return nil
			}
			last = err
			if notifier.IsKind(err, notifier.KindBadRequest) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(b.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(b.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo email send after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if last != nil {
			err = last
		}
		return fmt.Errorf("brevo: %w", err)
	}
	return nil
}

// post performs one send attempt.
func (b *BrevoProvider) post(ctx context.Context, jsonData []byte, to string) error {
	startTime := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return &notifier.Error{Kind: notifier.KindBadRequest, Op: "brevo send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		b.logger.Warn("Brevo API request failed, will retry",
			"to", to,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return &notifier.Error{Kind: notifier.KindTransport, Op: "brevo send", Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		b.logger.Warn("Brevo API returned retryable status",
			"status_code", resp.StatusCode,
			"to", to)
		return notifier.Errorf(notifier.KindUpstream, "brevo send", "HTTP %d", resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return notifier.Errorf(notifier.KindBadRequest, "brevo send", "HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	b.logger.Info("Brevo API request completed",
		"endpoint", "smtp/email",
		"to", to,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return nil
}

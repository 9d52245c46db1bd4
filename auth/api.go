package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"s21-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
)

const (
	// DefaultTokenURL is the identity provider token endpoint.
	DefaultTokenURL = "https://auth.21-school.ru/auth/realms/EduPowerKeycloak/protocol/openid-connect/token"
	// DefaultClientID is the public client used for the password grant.
	DefaultClientID = "s21-open-api"

	apiLifetime = 10 * time.Hour
	apiTimeout  = 15 * time.Second
)

// APIStrategy performs an OAuth2 resource-owner password grant.
type APIStrategy struct {
	client     *http.Client
	logger     *slog.Logger
	tokenURL   string
	clientID   string
	attempts   uint
	retryDelay time.Duration
	timeout    time.Duration
}

// NewAPIStrategy creates a password-grant strategy. Each token request is bounded by 15s
// regardless of the client's own timeout.
func NewAPIStrategy(client *http.Client, tokenURL string, logger *slog.Logger) *APIStrategy {
	if client == nil {
		client = &http.Client{Timeout: apiTimeout}
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &APIStrategy{
		client:     client,
		logger:     logger,
		tokenURL:   tokenURL,
		clientID:   DefaultClientID,
		attempts:   3,
		retryDelay: time.Second,
		timeout:    apiTimeout,
	}
}

// Name implements Strategy.
func (*APIStrategy) Name() string { return "api" }

// Lifetime implements Strategy.
func (*APIStrategy) Lifetime() time.Duration { return apiLifetime }

// Login exchanges credentials for an access token. Transport failures and 5xx/429
// responses are retried; everything else fails immediately.
func (a *APIStrategy) Login(ctx context.Context, login, password string) (string, error) {
	form := url.Values{
		"client_id":  {a.clientID},
		"username":   {login},
		"password":   {password},
		"grant_type": {"password"},
	}

	var token string
	var last error
	err := retry.Do(
		func() error {
			var err error
			token, err = a.requestToken(ctx, form)
			last = err
			return err
		},
		retry.Attempts(a.attempts),
		retry.Delay(a.retryDelay),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(a.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			a.logger.Info("Retrying token request after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			kind := notifier.KindOf(err)
			return kind == notifier.KindTransport || kind == notifier.KindUpstream
		}),
	)
	if err != nil {
		if last != nil {
			return "", last
		}
		return "", &notifier.Error{Kind: notifier.KindTransport, Op: "token request", Err: err}
	}
	return token, nil
}

func (a *APIStrategy) requestToken(ctx context.Context, form url.Values) (string, error) {
	const op = "token request"

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &notifier.Error{Kind: notifier.KindBadRequest, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return "", &notifier.Error{Kind: notifier.KindTransport, Op: op, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			a.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	a.logger.Info("Token request completed",
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &notifier.Error{Kind: notifier.KindTransport, Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", notifier.Errorf(notifier.KindCredentials, op, "invalid login or password")
	case resp.StatusCode == http.StatusBadRequest:
		return "", notifier.Errorf(notifier.KindBadRequest, op, "HTTP 400: %s", snippet(body))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", notifier.Errorf(notifier.KindUpstream, op, "HTTP %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", notifier.Errorf(notifier.KindBadRequest, op, "HTTP %d: %s", resp.StatusCode, snippet(body))
	}

	var grant struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return "", &notifier.Error{Kind: notifier.KindMalformed, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if grant.AccessToken == "" {
		return "", notifier.Errorf(notifier.KindMalformed, op, "response has no access_token")
	}
	return grant.AccessToken, nil
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

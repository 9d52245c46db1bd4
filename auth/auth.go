// Package auth obtains and tracks bearer tokens for the School 21 platform.
//
// Two interchangeable strategies are tried in order: a direct token grant against the
// identity provider and, if that fails for any reason, a headless browser login.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"s21-notifier/pkg/notifier"

	"golang.org/x/sync/singleflight"
)

// Token is a bearer token with its assumed expiry.
type Token struct {
	Expiry time.Time
	Value  string
	Method string // Strategy name that produced the token
}

// Usable reports whether the token is present and not past its expiry at now.
func (t Token) Usable(now time.Time) bool {
	return t.Value != "" && !t.Expiry.IsZero() && now.Before(t.Expiry)
}

// Strategy is one way of exchanging credentials for a bearer token.
type Strategy interface {
	Name() string
	// Lifetime is the assumed validity of tokens obtained by this strategy.
	Lifetime() time.Duration
	Login(ctx context.Context, login, password string) (string, error)
}

// Credentials supplies the current platform login and password.
type Credentials interface {
	Credentials() (login, password string)
}

const loginKey = "login"

// Session owns the current token. Logins are serialized: concurrent callers share the
// result of a single in-flight attempt.
type Session struct {
	creds      Credentials
	logger     *slog.Logger
	now        func() time.Time
	strategies []Strategy
	group      singleflight.Group

	mu    sync.RWMutex
	token Token
}

// NewSession creates a session that tries strategies in the given order.
func NewSession(creds Credentials, logger *slog.Logger, strategies ...Strategy) *Session {
	return &Session{
		creds:      creds,
		logger:     logger,
		now:        time.Now,
		strategies: strategies,
	}
}

// Current returns the last successfully obtained token (possibly expired or empty).
func (s *Session) Current() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Token returns the current bearer token value, or "" if none was obtained yet.
func (s *Session) Token() string {
	return s.Current().Value
}

// Fresh reports whether the current token is present and not expired.
func (s *Session) Fresh() bool {
	return s.Current().Usable(s.now())
}

// Login authenticates with the configured credentials.
func (s *Session) Login(ctx context.Context) (Token, error) {
	login, password := s.creds.Credentials()
	return s.Authenticate(ctx, login, password)
}

// Reauthenticate performs one login with the configured credentials and returns the new
// token value.
func (s *Session) Reauthenticate(ctx context.Context) (string, error) {
	tok, err := s.Login(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Authenticate tries each strategy once, in order, and stores the first token obtained.
// On failure the previously stored token is left untouched.
func (s *Session) Authenticate(ctx context.Context, login, password string) (Token, error) {
	if login == "" || password == "" {
		return Token{}, notifier.Errorf(notifier.KindConfig, "authenticate", "login or password not set")
	}

	// A single key: at most one attempt writes the token.
	v, err, shared := s.group.Do(loginKey, func() (any, error) {
		return s.authenticate(ctx, login, password)
	})
	if shared {
		s.logger.Debug("Joined in-flight login", "login", login)
	}
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (s *Session) authenticate(ctx context.Context, login, password string) (Token, error) {
	var errs []error
	for _, strategy := range s.strategies {
		s.logger.Info("Login attempt starting", "method", strategy.Name(), "login", login)
		start := s.now()

		value, err := strategy.Login(ctx, login, password)
		if err == nil && value == "" {
			err = notifier.Errorf(notifier.KindMalformed, strategy.Name(), "empty token")
		}
		if err != nil {
			s.logger.Warn("Login attempt failed",
				"method", strategy.Name(),
				"kind", notifier.KindOf(err).String(),
				"duration_ms", s.now().Sub(start).Milliseconds(),
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", strategy.Name(), err))
			continue
		}

		tok := Token{
			Value:  value,
			Expiry: s.now().Add(strategy.Lifetime()),
			Method: strategy.Name(),
		}
		s.mu.Lock()
		s.token = tok
		s.mu.Unlock()

		s.logger.Info("Login succeeded",
			"method", tok.Method,
			"expires_at", tok.Expiry.Format(time.RFC3339),
			"duration_ms", s.now().Sub(start).Milliseconds())
		return tok, nil
	}

	s.logger.Error("All login methods failed", "attempts", len(errs))
	return Token{}, &notifier.Error{
		Kind: failureKind(errs),
		Op:   "authenticate",
		Err:  errors.Join(errs...),
	}
}

// failureKind picks the kind reported for a failed login: rejected credentials win,
// otherwise the kind of the last attempt.
func failureKind(errs []error) notifier.Kind {
	if len(errs) == 0 {
		return notifier.KindConfig
	}
	for _, err := range errs {
		if notifier.IsKind(err, notifier.KindCredentials) {
			return notifier.KindCredentials
		}
	}
	return notifier.KindOf(errs[len(errs)-1])
}

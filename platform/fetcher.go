package platform

import (
	"context"
	"log/slog"

	"s21-notifier/pkg/notifier"
)

const (
	// PageSize is the number of notifications requested by a periodic check.
	PageSize = 50
)

// Authenticator provides the current token and can obtain a new one.
type Authenticator interface {
	Token() string
	Reauthenticate(ctx context.Context) (string, error)
}

// SchoolSource provides the selected campus identifier.
type SchoolSource interface {
	SchoolID() string
}

// Fetcher reads platform data on behalf of the session. Every call first probes the
// current token and re-authenticates at most once when the probe fails.
type Fetcher struct {
	client *Client
	auth   Authenticator
	school SchoolSource
	logger *slog.Logger
}

// NewFetcher creates a fetcher bound to a session and a campus source.
func NewFetcher(client *Client, auth Authenticator, school SchoolSource, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client: client,
		auth:   auth,
		school: school,
		logger: logger,
	}
}

// Notifications returns one page of notifications for the selected campus.
func (f *Fetcher) Notifications(ctx context.Context, limit, offset int) ([]notifier.Notification, error) {
	const op = "notifications"

	schoolID := f.school.SchoolID()
	if schoolID == "" {
		return nil, notifier.Errorf(notifier.KindConfig, op, "campus not selected")
	}
	token, err := f.usableToken(ctx, op)
	if err != nil {
		return nil, err
	}
	return f.client.FetchNotifications(ctx, token, schoolID, limit, offset)
}

// Latest returns the most recent notification, or nil when there is none.
func (f *Fetcher) Latest(ctx context.Context) (*notifier.Notification, error) {
	list, err := f.Notifications(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// Campuses returns the campus list. It needs a token but no campus selection.
func (f *Fetcher) Campuses(ctx context.Context) ([]notifier.Campus, error) {
	token, err := f.usableToken(ctx, "campuses")
	if err != nil {
		return nil, err
	}
	return f.client.FetchCampuses(ctx, token)
}

// usableToken returns a token that passed the probe, re-authenticating once if needed.
func (f *Fetcher) usableToken(ctx context.Context, op string) (string, error) {
	token := f.auth.Token()
	if token == "" {
		return "", notifier.Errorf(notifier.KindConfig, op, "not authenticated")
	}
	if f.client.ValidateToken(ctx, token) {
		return token, nil
	}

	f.logger.Warn("Token rejected by probe, re-authenticating", "op", op)
	token, err := f.auth.Reauthenticate(ctx)
	if err != nil {
		f.logger.Error("Re-authentication failed", "op", op, "error", err)
		return "", err
	}
	return token, nil
}

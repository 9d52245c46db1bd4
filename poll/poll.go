// Package poll handles periodic notification checks and the monitoring schedule.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"s21-notifier/pkg/notifier"

	"github.com/google/uuid"
)

const pageSize = 50 // Notifications requested per check

// Session reports token freshness and can log in again.
type Session interface {
	Fresh() bool
	Reauthenticate(ctx context.Context) (string, error)
}

// Fetcher returns a page of notifications.
type Fetcher interface {
	Notifications(ctx context.Context, limit, offset int) ([]notifier.Notification, error)
}

// Sender delivers a single notification to a recipient.
type Sender interface {
	SendNotification(ctx context.Context, n notifier.Notification) error
}

// Stats are the counters shown in the status report.
type Stats struct {
	LastCheck     time.Time `json:"last_check"`
	TotalChecks   int       `json:"total_checks"`
	Notifications int       `json:"notifications_sent"`
	Errors        int       `json:"errors"`
}

// Monitor runs notification checks and keeps statistics.
type Monitor struct {
	session Session
	fetcher Fetcher
	tracker *Tracker
	senders []Sender
	logger  *slog.Logger
	now     func() time.Time

	checkMu sync.Mutex // serializes Check
	mu      sync.Mutex
	stats   Stats
}

// New creates a new poll monitor. The first sender is the primary recipient; the rest
// are mirrors whose failures are logged and counted but never block delivery.
func New(session Session, fetcher Fetcher, tracker *Tracker, logger *slog.Logger, senders ...Sender) *Monitor {
	return &Monitor{
		session: session,
		fetcher: fetcher,
		tracker: tracker,
		senders: senders,
		logger:  logger,
		now:     time.Now,
	}
}

// Stats returns a snapshot of the counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// RecordError counts a failure that happened outside Check, such as the daily login.
func (m *Monitor) RecordError() {
	m.mu.Lock()
	m.stats.Errors++
	m.mu.Unlock()
}

// Check fetches the latest notifications and delivers the ones not seen before.
// It returns the number of notifications delivered.
func (m *Monitor) Check(ctx context.Context) (int, error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	logger := m.logger.With("cycle", uuid.NewString()[:8])
	start := m.now()

	m.mu.Lock()
	m.stats.TotalChecks++
	m.stats.LastCheck = start
	m.mu.Unlock()

	logger.Info("Checking notifications", "timestamp", start.Format(time.RFC3339))

	if !m.session.Fresh() {
		logger.Warn("Token expired or missing, re-authenticating before check")
		if _, err := m.session.Reauthenticate(ctx); err != nil {
			m.RecordError()
			return 0, fmt.Errorf("re-authenticate: %w", err)
		}
	}

	current, err := m.fetcher.Notifications(ctx, pageSize, 0)
	if err != nil {
		m.RecordError()
		return 0, fmt.Errorf("fetch notifications: %w", err)
	}

	fresh := m.tracker.Compute(current)
	if len(fresh) == 0 {
		logger.Info("No new notifications", "fetched", len(current), "duration_ms", m.now().Sub(start).Milliseconds())
		return 0, nil
	}

	logger.Info("New notifications detected", "count", len(fresh), "fetched", len(current))

	delivered := 0
	for _, n := range fresh {
		// Check for context cancellation
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, stopping delivery", "error", ctx.Err())
			return delivered, ctx.Err()
		default:
		}

		if m.deliver(ctx, logger, n) {
			delivered++
		}
	}

	m.mu.Lock()
	m.stats.Notifications += delivered
	m.mu.Unlock()

	logger.Info("Notification check completed",
		"new", len(fresh),
		"delivered", delivered,
		"duration_ms", m.now().Sub(start).Milliseconds())
	return delivered, nil
}

// deliver sends n to every sender and reports whether the primary sender succeeded.
func (m *Monitor) deliver(ctx context.Context, logger *slog.Logger, n notifier.Notification) bool {
	ok := false
	for i, s := range m.senders {
		if err := s.SendNotification(ctx, n); err != nil {
			logger.Error("Failed to deliver notification", "id", n.ID, "sender", i, "error", err)
			m.RecordError()
			continue
		}
		if i == 0 {
			ok = true
		}
	}
	return ok
}

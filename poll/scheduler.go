package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"s21-notifier/pkg/notifier"
)

const (
	// DefaultInterval is the time between notification checks.
	DefaultInterval = 5 * time.Minute
	// DefaultDailyAuth is the local time of the daily re-authentication.
	DefaultDailyAuth = "08:00"
)

// ErrRunning is returned by Start when monitoring is already active.
var ErrRunning = errors.New("monitoring already running")

// Readiness lists the settings still missing before monitoring may start.
type Readiness interface {
	Missing() []string
}

// ClockTime is a time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return ClockTime{}, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// nextDaily returns the first occurrence of at strictly after now, in now's location.
func nextDaily(now time.Time, at ClockTime) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Scheduler runs the daily re-authentication and the periodic check while monitoring
// is active. Both jobs share one goroutine, so they never overlap.
type Scheduler struct {
	monitor  *Monitor
	session  Session
	ready    Readiness
	logger   *slog.Logger
	interval time.Duration
	dailyAt  ClockTime
	now      func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	started  time.Time
	starting bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(monitor *Monitor, session Session, ready Readiness, interval time.Duration, dailyAt ClockTime, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		monitor:  monitor,
		session:  session,
		ready:    ready,
		logger:   logger,
		interval: interval,
		dailyAt:  dailyAt,
		now:      time.Now,
	}
}

// Interval returns the check interval.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// DailyAt returns the daily re-authentication time.
func (s *Scheduler) DailyAt() ClockTime { return s.dailyAt }

// Running reports whether monitoring is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Start validates the settings, authenticates once and schedules both jobs.
// On any failure the scheduler stays stopped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil || s.starting {
		s.mu.Unlock()
		return ErrRunning
	}
	if missing := s.ready.Missing(); len(missing) > 0 {
		s.mu.Unlock()
		return notifier.Errorf(notifier.KindConfig, "start monitoring", "missing settings: %s", strings.Join(missing, ", "))
	}
	s.starting = true
	s.mu.Unlock()

	s.logger.Info("Initial authentication before monitoring")
	_, err := s.session.Reauthenticate(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false
	if err != nil {
		s.monitor.RecordError()
		return fmt.Errorf("initial authentication: %w", err)
	}

	// Monitoring outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = s.now()
	go s.run(runCtx, s.done)

	s.logger.Info("Monitoring started",
		"interval", s.interval.String(),
		"daily_auth_at", s.dailyAt.String())
	return nil
}

// Stop cancels both jobs and waits for an in-flight job to finish.
// It reports whether monitoring was running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return false
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("Monitoring stopped", "uptime", s.now().Sub(s.started).Round(time.Second).String())
	return true
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	daily := time.NewTimer(time.Until(nextDaily(s.now(), s.dailyAt)))
	defer daily.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.monitor.Check(ctx); err != nil {
				s.logger.Error("Notification check failed", "kind", notifier.KindOf(err).String(), "error", err)
			}
		case <-daily.C:
			s.dailyAuth(ctx)
			daily.Reset(time.Until(nextDaily(s.now(), s.dailyAt)))
		}
	}
}

func (s *Scheduler) dailyAuth(ctx context.Context) {
	s.logger.Info("Daily authentication starting")
	if _, err := s.session.Reauthenticate(ctx); err != nil {
		s.monitor.RecordError()
		s.logger.Error("Daily authentication failed", "error", err)
		return
	}
	s.logger.Info("Daily authentication succeeded")
}

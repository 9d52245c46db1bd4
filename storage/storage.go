// Package storage handles persistence of the relay settings.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"s21-notifier/pkg/notifier"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// DefaultObject is the settings file name, used both locally and as the bucket object key.
const DefaultObject = "bot_config.json"

// requiredKeys must all be present for a persisted record to be trusted.
var requiredKeys = []string{
	"platform_login",
	"school_id",
	"campus_name",
	"admin_chat_id",
	"is_configured",
	"last_update",
	"timezone",
}

// Store owns the settings record and the in-memory platform password.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	object    string
	now       func() time.Time

	mu       sync.RWMutex
	settings notifier.Settings
	password string
}

// New creates a settings store. When bucket is empty the record lives at localPath.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	object := DefaultObject
	if localPath != "" {
		object = filepath.Base(localPath)
	}
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		object:    object,
		now:       time.Now,
		settings:  Defaults(),
	}
}

// Defaults returns an empty, unconfigured record.
func Defaults() notifier.Settings {
	return notifier.Settings{Timezone: notifier.DefaultTimezone}
}

// Load reads the persisted record. A missing or structurally invalid record yields defaults.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.read(ctx)
	if err != nil {
		if IsNotFound(err) {
			s.logger.Info("No saved settings, using defaults", "location", s.location())
			s.replace(Defaults())
			return nil
		}
		return err
	}

	settings, err := decode(data)
	if err != nil {
		s.logger.Error("Invalid settings structure, using defaults", "location", s.location(), "error", err)
		s.replace(Defaults())
		return nil
	}

	s.replace(settings)
	s.logger.Info("Settings loaded",
		"location", s.location(),
		"login", settings.Login,
		"campus", settings.CampusName,
		"configured", settings.IsConfigured)
	return nil
}

func decode(data []byte) (notifier.Settings, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return notifier.Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return notifier.Settings{}, fmt.Errorf("missing key %q", key)
		}
	}

	var settings notifier.Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return notifier.Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	if settings.Timezone == "" {
		settings.Timezone = notifier.DefaultTimezone
	}
	settings.IsConfigured = settings.Configured()
	return settings, nil
}

func (s *Store) replace(settings notifier.Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

// Settings returns a copy of the current record.
func (s *Store) Settings() notifier.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Credentials returns the platform login and the in-memory password.
func (s *Store) Credentials() (login, password string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Login, s.password
}

// SchoolID returns the selected campus identifier.
func (s *Store) SchoolID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.SchoolID
}

// Timezone returns the display timezone name.
func (s *Store) Timezone() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Timezone
}

// AdminChatID returns the authorized recipient, or "" before first contact.
func (s *Store) AdminChatID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.AdminChatID
}

// SetPassword replaces the platform password. It is kept in memory only.
func (s *Store) SetPassword(password string) {
	s.mu.Lock()
	s.password = password
	s.mu.Unlock()
	s.logger.Info("Platform password updated in memory")
}

// SetLogin stores the platform login.
func (s *Store) SetLogin(ctx context.Context, login string) error {
	return s.update(ctx, func(st *notifier.Settings) {
		st.Login = login
	})
}

// SetCampus stores the selected campus.
func (s *Store) SetCampus(ctx context.Context, schoolID, name string) error {
	return s.update(ctx, func(st *notifier.Settings) {
		st.SchoolID = schoolID
		st.CampusName = name
	})
}

// SetTimezone stores a display timezone. Unknown zone names are rejected without touching
// the stored value; the boolean reports whether the zone was applied.
func (s *Store) SetTimezone(ctx context.Context, zone string) (bool, error) {
	if zone == "" {
		return false, nil
	}
	if _, err := time.LoadLocation(zone); err != nil {
		s.logger.Error("Invalid timezone", "timezone", zone, "error", err)
		return false, nil
	}
	if err := s.update(ctx, func(st *notifier.Settings) {
		st.Timezone = zone
	}); err != nil {
		return true, err
	}
	return true, nil
}

// ClaimAdmin records chatID as the administrator if none is set yet.
// It reports whether chatID is (now) the administrator.
func (s *Store) ClaimAdmin(ctx context.Context, chatID string) (bool, error) {
	current := s.AdminChatID()
	if current != "" {
		return current == chatID, nil
	}
	s.logger.Info("Administrator registered on first contact", "chat_id", chatID)
	return true, s.update(ctx, func(st *notifier.Settings) {
		if st.AdminChatID == "" {
			st.AdminChatID = chatID
		}
	})
}

// Reset clears all settings except the administrator and drops the in-memory password.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.password = ""
	s.mu.Unlock()
	return s.update(ctx, func(st *notifier.Settings) {
		admin := st.AdminChatID
		*st = Defaults()
		st.AdminChatID = admin
	})
}

// Missing lists the fields that must be set before monitoring can start.
func (s *Store) Missing() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var missing []string
	if s.settings.Login == "" {
		missing = append(missing, "login")
	}
	if s.password == "" {
		missing = append(missing, "password")
	}
	if s.settings.SchoolID == "" {
		missing = append(missing, "campus")
	}
	if s.settings.AdminChatID == "" {
		missing = append(missing, "admin_chat_id")
	}
	return missing
}

// update applies fn, recomputes derived fields and persists the result.
// The in-memory record is updated even when persisting fails.
func (s *Store) update(ctx context.Context, fn func(*notifier.Settings)) error {
	s.mu.Lock()
	fn(&s.settings)
	s.settings.IsConfigured = s.settings.Configured()
	s.settings.LastUpdate = s.now().UTC()
	snapshot := s.settings
	s.mu.Unlock()

	return s.save(ctx, snapshot)
}

func (s *Store) location() string {
	if s.bucket != "" {
		return "gs://" + s.bucket + "/" + s.object
	}
	return s.localPath
}

func (s *Store) save(ctx context.Context, settings notifier.Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Local filesystem storage
	if s.bucket == "" {
		if dir := filepath.Dir(s.localPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create settings directory: %w", err)
			}
		}
		if err := os.WriteFile(s.localPath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("Settings saved to local storage", "path", s.localPath, "configured", settings.IsConfigured)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "object", s.object, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Settings saved", "location", s.location(), "configured", settings.IsConfigured)
	return nil
}

func (s *Store) read(ctx context.Context) ([]byte, error) {
	if s.bucket == "" {
		data, err := os.ReadFile(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(errNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "object", s.object, "error", retryErr)
		}),
	)
	if err != nil {
		if IsNotFound(err) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

var errNotFound = errors.New("storage: object doesn't exist")

// IsNotFound checks if an error indicates the settings record was not found.
func IsNotFound(err error) bool {
	return err != nil && (errors.Is(err, errNotFound) || strings.Contains(err.Error(), errNotFound.Error()))
}

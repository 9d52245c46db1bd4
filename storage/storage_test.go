package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	_ "time/tzdata"

	"s21-notifier/pkg/notifier"

	"github.com/google/go-cmp/cmp"
)

func newLocalStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot_config.json")
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(nil, "", path, logger), path
}

func TestConfiguredFlagFollowsFields(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		mutate func(s *Store) error
		want   bool
	}{
		{
			name:   "login only",
			mutate: func(s *Store) error { return s.SetLogin(ctx, "jdoe") },
			want:   false,
		},
		{
			name: "login and campus",
			mutate: func(s *Store) error {
				if err := s.SetLogin(ctx, "jdoe"); err != nil {
					return err
				}
				return s.SetCampus(ctx, "school-1", "Moscow")
			},
			want: false,
		},
		{
			name: "login, campus and admin",
			mutate: func(s *Store) error {
				if err := s.SetLogin(ctx, "jdoe"); err != nil {
					return err
				}
				if err := s.SetCampus(ctx, "school-1", "Moscow"); err != nil {
					return err
				}
				_, err := s.ClaimAdmin(ctx, "42")
				return err
			},
			want: true,
		},
		{
			name: "login cleared after full setup",
			mutate: func(s *Store) error {
				if err := s.SetCampus(ctx, "school-1", "Moscow"); err != nil {
					return err
				}
				if _, err := s.ClaimAdmin(ctx, "42"); err != nil {
					return err
				}
				if err := s.SetLogin(ctx, "jdoe"); err != nil {
					return err
				}
				return s.SetLogin(ctx, "")
			},
			want: false,
		},
		{
			name: "password does not count",
			mutate: func(s *Store) error {
				s.SetPassword("secret")
				return s.SetLogin(ctx, "jdoe")
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, path := newLocalStore(t)
			if err := tt.mutate(s); err != nil {
				t.Fatalf("mutate: %v", err)
			}

			got := s.Settings()
			if got.IsConfigured != tt.want {
				t.Errorf("IsConfigured = %v, want %v", got.IsConfigured, tt.want)
			}
			if got.IsConfigured != got.Configured() {
				t.Errorf("IsConfigured = %v disagrees with fields (%+v)", got.IsConfigured, got)
			}

			reloaded := New(nil, "", path, s.logger)
			if err := reloaded.Load(ctx); err != nil {
				t.Fatalf("Load: %v", err)
			}
			if reloaded.Settings().IsConfigured != tt.want {
				t.Errorf("persisted IsConfigured = %v, want %v", reloaded.Settings().IsConfigured, tt.want)
			}
		})
	}
}

func TestPasswordNeverPersisted(t *testing.T) {
	ctx := context.Background()
	s, path := newLocalStore(t)
	const secret = "hunter2-very-secret"

	s.SetPassword(secret)
	if err := s.SetLogin(ctx, "jdoe"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCampus(ctx, "school-1", "Kazan"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetTimezone(ctx, "Asia/Yekaterinburg"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimAdmin(ctx, "7"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), secret) {
		t.Errorf("persisted settings contain the password:\n%s", data)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for key := range raw {
		if strings.Contains(key, "password") {
			t.Errorf("persisted settings contain key %q", key)
		}
	}

	if _, password := s.Credentials(); password != secret {
		t.Errorf("in-memory password = %q, want %q", password, secret)
	}
}

func TestSetTimezoneInvalidKeepsValue(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocalStore(t)

	applied, err := s.SetTimezone(ctx, "Asia/Novosibirsk")
	if err != nil || !applied {
		t.Fatalf("SetTimezone(valid) = %v, %v", applied, err)
	}

	applied, err = s.SetTimezone(ctx, "Mars/Olympus_Mons")
	if err != nil {
		t.Errorf("SetTimezone(invalid) returned error: %v", err)
	}
	if applied {
		t.Error("SetTimezone(invalid) reported the zone as applied")
	}
	if got := s.Timezone(); got != "Asia/Novosibirsk" {
		t.Errorf("Timezone = %q, want %q", got, "Asia/Novosibirsk")
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing file"},
		{name: "bad json", content: "{not json"},
		{name: "missing keys", content: `{"platform_login": "jdoe", "school_id": "x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, path := newLocalStore(t)
			if tt.content != "" {
				if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
					t.Fatal(err)
				}
			}
			if err := s.Load(ctx); err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(Defaults(), s.Settings()); diff != "" {
				t.Errorf("settings mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResetKeepsAdministrator(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocalStore(t)

	s.SetPassword("secret")
	if err := s.SetLogin(ctx, "jdoe"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCampus(ctx, "school-1", "Moscow"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetTimezone(ctx, "Asia/Omsk"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimAdmin(ctx, "42"); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatal(err)
	}

	got := s.Settings()
	if got.AdminChatID != "42" {
		t.Errorf("AdminChatID = %q, want 42", got.AdminChatID)
	}
	if got.Login != "" || got.SchoolID != "" || got.CampusName != "" {
		t.Errorf("settings not cleared: %+v", got)
	}
	if got.Timezone != notifier.DefaultTimezone {
		t.Errorf("Timezone = %q, want %q", got.Timezone, notifier.DefaultTimezone)
	}
	if got.IsConfigured {
		t.Error("IsConfigured should be false after reset")
	}
	if _, password := s.Credentials(); password != "" {
		t.Error("password should be cleared by reset")
	}
}

func TestClaimAdminOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocalStore(t)

	ok, err := s.ClaimAdmin(ctx, "100")
	if err != nil || !ok {
		t.Fatalf("first ClaimAdmin = %v, %v", ok, err)
	}
	ok, err = s.ClaimAdmin(ctx, "200")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second chat must not become administrator")
	}
	ok, _ = s.ClaimAdmin(ctx, "100")
	if !ok {
		t.Error("first administrator should still be recognised")
	}
	if got := s.AdminChatID(); got != "100" {
		t.Errorf("AdminChatID = %q, want 100", got)
	}
}

func TestMissing(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocalStore(t)

	want := []string{"login", "password", "campus", "admin_chat_id"}
	if diff := cmp.Diff(want, s.Missing()); diff != "" {
		t.Errorf("Missing() mismatch (-want +got):\n%s", diff)
	}

	s.SetPassword("pw")
	if err := s.SetLogin(ctx, "jdoe"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"campus", "admin_chat_id"}, s.Missing()); diff != "" {
		t.Errorf("Missing() mismatch (-want +got):\n%s", diff)
	}

	if err := s.SetCampus(ctx, "school-1", "Moscow"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimAdmin(ctx, "1"); err != nil {
		t.Fatal(err)
	}
	if got := s.Missing(); len(got) != 0 {
		t.Errorf("Missing() = %v, want none", got)
	}
}

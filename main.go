// Package main runs a Telegram bot that relays School 21 platform notifications to a
// single administrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"s21-notifier/auth"
	"s21-notifier/bot"
	"s21-notifier/email"
	"s21-notifier/platform"
	"s21-notifier/poll"
	"s21-notifier/server"
	"s21-notifier/storage"

	gcs "cloud.google.com/go/storage"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const lockFile = "bot.lock"

// config is the process configuration read from the environment.
type config struct {
	telegramToken   string
	password        string
	configPath      string
	bucket          string
	googleCreds     string
	browserBin      string
	mirrorEmail     string
	brevoKey        string
	mailFrom        string
	port            string
	interval        time.Duration
	dailyAt         poll.ClockTime
	browserHeadless bool
	trustProxy      bool
}

func loadConfig() (config, error) {
	cfg := config{
		telegramToken:   strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		password:        os.Getenv("PLATFORM_PASSWORD"),
		configPath:      envOr("CONFIG_PATH", storage.DefaultObject),
		bucket:          os.Getenv("CONFIG_BUCKET"),
		googleCreds:     os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		browserBin:      os.Getenv("BROWSER_BIN"),
		mirrorEmail:     os.Getenv("MIRROR_EMAIL"),
		brevoKey:        os.Getenv("BREVO_API_KEY"),
		mailFrom:        os.Getenv("MAIL_FROM"),
		port:            os.Getenv("PORT"),
		interval:        poll.DefaultInterval,
		browserHeadless: true,
	}

	if cfg.telegramToken == "" {
		return config{}, errors.New("TELEGRAM_BOT_TOKEN environment variable required")
	}

	if v := os.Getenv("CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < time.Minute {
			return config{}, fmt.Errorf("CHECK_INTERVAL %q must be a duration of at least 1m", v)
		}
		cfg.interval = d
	}

	at, err := poll.ParseClock(envOr("DAILY_AUTH_AT", poll.DefaultDailyAuth))
	if err != nil {
		return config{}, fmt.Errorf("DAILY_AUTH_AT: %w", err)
	}
	cfg.dailyAt = at

	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		headless, err := strconv.ParseBool(v)
		if err != nil {
			return config{}, fmt.Errorf("BROWSER_HEADLESS %q: %w", v, err)
		}
		cfg.browserHeadless = headless
	}

	if v := os.Getenv("TRUST_PROXY"); v != "" {
		trust, err := strconv.ParseBool(v)
		if err != nil {
			return config{}, fmt.Errorf("TRUST_PROXY %q: %w", v, err)
		}
		cfg.trustProxy = trust
	}

	if cfg.mirrorEmail != "" && cfg.brevoKey != "" && cfg.mailFrom == "" {
		return config{}, errors.New("MAIL_FROM required when BREVO_API_KEY is set")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// parseLevel converts a LOG_LEVEL value to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	release, err := acquireLock(lockFile)
	if err != nil {
		logger.Error("Another instance is already running", "lock", lockFile, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	release()

	if err != nil {
		logger.Error("Bot stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Bot stopped")
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	var storageClient *gcs.Client
	if cfg.bucket != "" {
		var opts []option.ClientOption
		if cfg.googleCreds != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.googleCreds)))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("initialize storage client: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
		storageClient = client
	}

	store := storage.New(storageClient, cfg.bucket, cfg.configPath, logger)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if cfg.password != "" {
		store.SetPassword(cfg.password)
	}

	session := auth.NewSession(store, logger,
		auth.NewAPIStrategy(nil, auth.DefaultTokenURL, logger),
		auth.NewBrowserStrategy(cfg.browserBin, cfg.browserHeadless, logger),
	)
	fetcher := platform.NewFetcher(platform.New(nil, platform.DefaultBaseURL, logger), session, store, logger)

	api, err := tgbotapi.NewBotAPI(cfg.telegramToken)
	if err != nil {
		return fmt.Errorf("connect to Telegram: %w", err)
	}
	logger.Info("Telegram bot authorized", "username", api.Self.UserName)

	senders := []poll.Sender{bot.NewNotifier(api, store, logger)}
	if mirror := newMirror(ctx, cfg, store, logger); mirror != nil {
		senders = append(senders, mirror)
	}

	tracker := poll.NewTracker()
	monitor := poll.New(session, fetcher, tracker, logger, senders...)
	scheduler := poll.NewScheduler(monitor, session, store, cfg.interval, cfg.dailyAt, logger)
	defer scheduler.Stop()

	b := bot.New(&bot.Config{
		API:       api,
		Store:     store,
		Session:   session,
		Platform:  fetcher,
		Scheduler: scheduler,
		Stats:     monitor,
		Tracker:   tracker,
		Logger:    logger,
	})

	var wg sync.WaitGroup
	if cfg.port != "" {
		srv := server.New(&server.Config{
			Poller:     monitor,
			Scheduler:  scheduler,
			Ready:      store,
			Tokens:     session,
			Logger:     logger,
			TrustProxy: cfg.trustProxy,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.port); err != nil {
				logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)

	logger.Info("Bot started",
		"interval", cfg.interval.String(),
		"daily_auth_at", cfg.dailyAt.String(),
		"configured", len(store.Missing()) == 0,
		"storage", storageLocation(cfg))

	b.Run(ctx, updates)
	api.StopReceivingUpdates()
	wg.Wait()
	return nil
}

// newMirror builds the optional email mirror: Brevo when an API key is set, Gmail when
// Google credentials are available, otherwise a logging mock.
func newMirror(ctx context.Context, cfg config, store *storage.Store, logger *slog.Logger) *email.Sender {
	if cfg.mirrorEmail == "" {
		return nil
	}

	var provider email.Provider
	switch {
	case cfg.brevoKey != "":
		provider = email.NewBrevoProvider(cfg.brevoKey, cfg.mailFrom, "School 21 Notifier", logger)
		logger.Info("Email mirror enabled", "provider", "brevo", "to", cfg.mirrorEmail)
	case cfg.googleCreds != "":
		svc, err := gmail.NewService(ctx, option.WithCredentialsJSON([]byte(cfg.googleCreds)))
		if err != nil {
			logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			provider = email.NewMockProvider(logger)
			break
		}
		provider = email.NewGmailProvider(svc, logger)
		logger.Info("Email mirror enabled", "provider", "gmail", "to", cfg.mirrorEmail)
	default:
		logger.Info("Mock email mode enabled (no BREVO_API_KEY or GOOGLE_CREDENTIALS_JSON)")
		provider = email.NewMockProvider(logger)
	}
	return email.New(provider, store, logger, cfg.mirrorEmail)
}

func storageLocation(cfg config) string {
	if cfg.bucket != "" {
		return "gs://" + cfg.bucket
	}
	return cfg.configPath
}

// acquireLock takes an exclusive, non-blocking lock on path for the process lifetime.
func acquireLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

// Package server handles HTTP endpoints for health, status and manual polling.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"s21-notifier/auth"
	"s21-notifier/pkg/notifier"
	"s21-notifier/poll"
)

// Poller runs one notification check.
type Poller interface {
	Check(ctx context.Context) (int, error)
	Stats() poll.Stats
}

// Scheduler reports whether monitoring is active.
type Scheduler interface {
	Running() bool
}

// Readiness lists settings still missing.
type Readiness interface {
	Missing() []string
}

// TokenSource exposes the current platform token.
type TokenSource interface {
	Current() auth.Token
}

// Server handles HTTP requests.
type Server struct {
	poller     Poller
	scheduler  Scheduler
	ready      Readiness
	tokens     TokenSource
	logger     *slog.Logger
	limiter    *rateLimiter
	trustProxy bool
}

// Config holds server configuration.
type Config struct {
	Poller    Poller
	Scheduler Scheduler
	Ready     Readiness
	Tokens    TokenSource
	Logger    *slog.Logger

	// TrustProxy takes the client address from X-Forwarded-For. Enable only behind a
	// proxy that overwrites the header.
	TrustProxy bool
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller:     cfg.Poller,
		scheduler:  cfg.Scheduler,
		ready:      cfg.Ready,
		tokens:     cfg.Tokens,
		logger:     cfg.Logger,
		limiter:    newRateLimiter(10, time.Hour),
		trustProxy: cfg.TrustProxy,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/pollz", s.handlePoll)
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute, // a manual poll may include a browser login
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		s.logger.Info("HTTP server stopped")
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type statusResponse struct {
	TokenExpiry time.Time  `json:"token_expiry,omitzero"`
	Stats       poll.Stats `json:"stats"`
	Missing     []string   `json:"missing"`
	TokenMethod string     `json:"token_method,omitempty"`
	Running     bool       `json:"running"`
	Configured  bool       `json:"configured"`
	HasToken    bool       `json:"has_token"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	missing := s.ready.Missing()
	if missing == nil {
		missing = []string{}
	}
	tok := s.tokens.Current()
	s.writeJSON(w, http.StatusOK, statusResponse{
		Running:     s.scheduler.Running(),
		Configured:  len(missing) == 0,
		Missing:     missing,
		Stats:       s.poller.Stats(),
		HasToken:    tok.Value != "",
		TokenMethod: tok.Method,
		TokenExpiry: tok.Expiry,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.scheduler.Running() {
		s.writeJSON(w, http.StatusConflict, map[string]string{"status": "skipped", "error": "monitoring stopped"})
		return
	}

	ip := clientIP(r, s.trustProxy)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	s.logger.Info("Poll endpoint triggered", "ip", ip)

	delivered, err := s.poller.Check(r.Context())
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		status := http.StatusBadGateway
		if notifier.IsKind(err, notifier.KindConfig) {
			status = http.StatusConflict
		}
		s.writeJSON(w, status, map[string]string{"status": "failed", "error": notifier.KindOf(err).String()})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "delivered": delivered})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// rateLimiter allows a fixed number of requests per client within a sliding window.
type rateLimiter struct {
	now     func() time.Time
	clients map[string][]time.Time
	limit   int
	window  time.Duration
	mu      sync.Mutex
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		now:     time.Now,
		clients: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	var recent []time.Time
	for _, ts := range rl.clients[ip] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= rl.limit {
		rl.clients[ip] = recent
		return false
	}

	rl.clients[ip] = append(recent, now)
	return true
}

func clientIP(r *http.Request, trustProxy bool) string {
	// Cloud Run puts the caller first in X-Forwarded-For.
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

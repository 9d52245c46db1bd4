package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"s21-notifier/auth"
	"s21-notifier/pkg/notifier"
	"s21-notifier/poll"

	"github.com/google/go-cmp/cmp"
)

type fakePoller struct {
	err       error
	delivered int
	checks    int
}

func (p *fakePoller) Check(context.Context) (int, error) {
	p.checks++
	return p.delivered, p.err
}

func (p *fakePoller) Stats() poll.Stats {
	return poll.Stats{TotalChecks: 7, Notifications: 2, Errors: 1}
}

type fakeState struct {
	token   auth.Token
	missing []string
	running bool
}

func (f fakeState) Running() bool       { return f.running }
func (f fakeState) Missing() []string   { return f.missing }
func (f fakeState) Current() auth.Token { return f.token }

func newTestServer(p *fakePoller, st fakeState) *Server {
	return New(&Config{
		Poller:    p,
		Scheduler: st,
		Ready:     st,
		Tokens:    st,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func postPoll(h http.Handler, remoteAddr, forwardedFor string) int {
	req := httptest.NewRequest(http.MethodPost, "/pollz", http.NoBody)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestHealth(t *testing.T) {
	h := newTestServer(&fakePoller{}, fakeState{}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rec.Code != http.StatusOK || rec.Body.String() != "{\"status\":\"healthy\"}\n" {
		t.Errorf("GET /health = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", http.NoBody))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	expiry := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)
	st := fakeState{
		running: true,
		missing: []string{"password"},
		token:   auth.Token{Value: "secret-token", Method: "api", Expiry: expiry},
	}
	rec := httptest.NewRecorder()
	newTestServer(&fakePoller{}, st).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	want := statusResponse{
		TokenExpiry: expiry,
		Stats:       poll.Stats{TotalChecks: 7, Notifications: 2, Errors: 1},
		Missing:     []string{"password"},
		TokenMethod: "api",
		Running:     true,
		HasToken:    true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if body := rec.Body.String(); strings.Contains(body, "secret-token") {
		t.Error("token value leaked in status output")
	}
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "success", wantStatus: http.StatusOK},
		{name: "missing settings", err: notifier.Errorf(notifier.KindConfig, "fetch notifications", "campus not selected"), wantStatus: http.StatusConflict},
		{name: "upstream failure", err: notifier.Errorf(notifier.KindUpstream, "fetch notifications", "HTTP 502"), wantStatus: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePoller{err: tt.err, delivered: 3}
			rec := httptest.NewRecorder()
			newTestServer(p, fakeState{running: true}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pollz", http.NoBody))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if p.checks != 1 {
				t.Errorf("checks = %d, want 1", p.checks)
			}
		})
	}
}

func TestPollRequiresPost(t *testing.T) {
	p := &fakePoller{}
	rec := httptest.NewRecorder()
	newTestServer(p, fakeState{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pollz", http.NoBody))
	if rec.Code != http.StatusMethodNotAllowed || p.checks != 0 {
		t.Errorf("GET /pollz = %d with %d checks", rec.Code, p.checks)
	}
}

func TestPollSkippedWhenStopped(t *testing.T) {
	p := &fakePoller{}
	rec := httptest.NewRecorder()
	newTestServer(p, fakeState{running: false}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pollz", http.NoBody))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if p.checks != 0 {
		t.Errorf("checks = %d, want 0 while monitoring is stopped", p.checks)
	}
}

func TestPollRateLimited(t *testing.T) {
	p := &fakePoller{}
	h := newTestServer(p, fakeState{running: true}).Handler()

	codes := make([]int, 0, 11)
	for range 11 {
		codes = append(codes, postPoll(h, "203.0.113.7:4000", ""))
	}
	if codes[9] != http.StatusOK || codes[10] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want 10 OK then 429", codes)
	}
	if p.checks != 10 {
		t.Errorf("checks = %d, want 10", p.checks)
	}
}

func TestPollRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	p := &fakePoller{}
	h := newTestServer(p, fakeState{running: true}).Handler()

	var last int
	for i := range 11 {
		last = postPoll(h, "203.0.113.7:4000", fmt.Sprintf("198.51.100.%d", i))
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("11th request with rotated X-Forwarded-For = %d, want 429", last)
	}
	if p.checks != 10 {
		t.Errorf("checks = %d, want 10", p.checks)
	}
}

func TestPollRateLimitBehindTrustedProxy(t *testing.T) {
	p := &fakePoller{}
	st := fakeState{running: true}
	h := New(&Config{
		Poller:     p,
		Scheduler:  st,
		Ready:      st,
		Tokens:     st,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		TrustProxy: true,
	}).Handler()

	for range 10 {
		postPoll(h, "10.0.0.1:4000", "203.0.113.7, 10.0.0.1")
	}
	if code := postPoll(h, "10.0.0.1:4000", "203.0.113.7, 10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("same forwarded client = %d, want 429", code)
	}
	if code := postPoll(h, "10.0.0.1:4000", "198.51.100.2"); code != http.StatusOK {
		t.Errorf("other forwarded client = %d, want 200", code)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2, time.Hour)
	rl.now = func() time.Time { return now }

	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("first two requests rejected")
	}
	if rl.allow("a") {
		t.Error("third request allowed inside window")
	}
	if !rl.allow("b") {
		t.Error("other client rejected")
	}
	now = now.Add(61 * time.Minute)
	if !rl.allow("a") {
		t.Error("request rejected after window passed")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "192.0.2.1:5555"
	if got := clientIP(req, false); got != "192.0.2.1" {
		t.Errorf("clientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", " 198.51.100.2 , 10.0.0.1")
	if got := clientIP(req, false); got != "192.0.2.1" {
		t.Errorf("clientIP with untrusted XFF = %q, want socket address", got)
	}
	if got := clientIP(req, true); got != "198.51.100.2" {
		t.Errorf("clientIP with trusted XFF = %q", got)
	}
	req.RemoteAddr = "[2001:db8::1]:443"
	if got := clientIP(req, false); got != "2001:db8::1" {
		t.Errorf("clientIP IPv6 = %q", got)
	}
}

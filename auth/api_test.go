package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"s21-notifier/pkg/notifier"
)

func newTestAPIStrategy(url string) *APIStrategy {
	a := NewAPIStrategy(&http.Client{Timeout: 2 * time.Second}, url, discardLogger())
	a.retryDelay = time.Millisecond
	return a
}

func TestAPIStrategySendsPasswordGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		want := map[string]string{
			"client_id":  "s21-open-api",
			"username":   "jdoe",
			"password":   "p@ss word",
			"grant_type": "password",
		}
		for k, v := range want {
			if got := r.PostForm.Get(k); got != v {
				t.Errorf("form %s = %q, want %q", k, got, v)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"access_token":"abc.def","expires_in":36000}`)); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	tok, err := newTestAPIStrategy(srv.URL).Login(context.Background(), "jdoe", "p@ss word")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if tok != "abc.def" {
		t.Errorf("token = %q, want abc.def", tok)
	}
}

func TestAPIStrategyErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		want      notifier.Kind
		wantCalls int32
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"invalid_grant"}`, want: notifier.KindCredentials, wantCalls: 1},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"invalid_request"}`, want: notifier.KindBadRequest, wantCalls: 1},
		{name: "server error retried", status: http.StatusBadGateway, body: "oops", want: notifier.KindUpstream, wantCalls: 3},
		{name: "rate limited retried", status: http.StatusTooManyRequests, want: notifier.KindUpstream, wantCalls: 3},
		{name: "missing token", status: http.StatusOK, body: `{"token_type":"bearer"}`, want: notifier.KindMalformed, wantCalls: 1},
		{name: "not json", status: http.StatusOK, body: `<html>`, want: notifier.KindMalformed, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				if _, err := w.Write([]byte(tt.body)); err != nil {
					t.Error(err)
				}
			}))
			defer srv.Close()

			_, err := newTestAPIStrategy(srv.URL).Login(context.Background(), "jdoe", "pw")
			if err == nil {
				t.Fatal("Login succeeded, want error")
			}
			if got := notifier.KindOf(err); got != tt.want {
				t.Errorf("kind = %v, want %v (err: %v)", got, tt.want, err)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("requests = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestAPIStrategyTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestAPIStrategy(url).Login(context.Background(), "jdoe", "pw")
	if !notifier.IsKind(err, notifier.KindTransport) {
		t.Errorf("err = %v, want transport failure", err)
	}
}

func TestAPIStrategyRecoversAfterTransientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if _, err := w.Write([]byte(`{"access_token":"second-try"}`)); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	tok, err := newTestAPIStrategy(srv.URL).Login(context.Background(), "jdoe", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if tok != "second-try" {
		t.Errorf("token = %q, want second-try", tok)
	}
}

func TestAPIStrategyBoundsSlowProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
			return
		case <-time.After(time.Second):
		}
		if _, err := w.Write([]byte(`{"access_token":"late"}`)); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	// The client allows far longer than the per-request bound.
	a := NewAPIStrategy(&http.Client{Timeout: 30 * time.Second}, srv.URL, discardLogger())
	a.retryDelay = time.Millisecond
	a.timeout = 50 * time.Millisecond

	start := time.Now()
	tok, err := a.Login(context.Background(), "jdoe", "pw")
	if !notifier.IsKind(err, notifier.KindTransport) {
		t.Fatalf("Login = %q, %v; want transport failure", tok, err)
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("Login took %v, want it cut off by the request bound", elapsed)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestNewAPIStrategyDefaultsTimeout(t *testing.T) {
	if a := NewAPIStrategy(&http.Client{Timeout: time.Minute}, "", discardLogger()); a.timeout != 15*time.Second {
		t.Errorf("timeout = %v, want 15s", a.timeout)
	}
}

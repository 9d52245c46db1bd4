package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"s21-notifier/pkg/notifier"

	"github.com/google/go-cmp/cmp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePlatform serves the campus and GraphQL endpoints. Tokens listed in valid are accepted
// by the campus probe.
type fakePlatform struct {
	t             *testing.T
	mu            sync.Mutex
	valid         map[string]bool
	graphQLBody   string
	graphQLStatus int
	probes        atomic.Int32
	graphQLCalls  atomic.Int32
	lastHeaders   http.Header
	lastRequest   graphQLRequest
}

func (p *fakePlatform) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(campusesPath, func(w http.ResponseWriter, r *http.Request) {
		p.probes.Add(1)
		token := r.Header.Get("Authorization")
		p.mu.Lock()
		ok := p.valid[token]
		p.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if _, err := w.Write([]byte(`{"campuses":[{"id":"c1","shortName":"MSK","fullName":"Moscow"},{"id":"c2","shortName":"KZN","fullName":"Kazan"}]}`)); err != nil {
			p.t.Error(err)
		}
	})
	mux.HandleFunc(graphQLPath, func(w http.ResponseWriter, r *http.Request) {
		p.graphQLCalls.Add(1)
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			p.t.Errorf("decode graphql request: %v", err)
		}
		p.mu.Lock()
		p.lastHeaders = r.Header.Clone()
		p.lastRequest = req
		p.mu.Unlock()
		if p.graphQLStatus != 0 {
			w.WriteHeader(p.graphQLStatus)
		}
		if _, err := w.Write([]byte(p.graphQLBody)); err != nil {
			p.t.Error(err)
		}
	})
	return mux
}

type fakeAuth struct {
	err      error
	token    string
	newToken string
	reauths  atomic.Int32
}

func (a *fakeAuth) Token() string { return a.token }

func (a *fakeAuth) Reauthenticate(context.Context) (string, error) {
	a.reauths.Add(1)
	if a.err != nil {
		return "", a.err
	}
	a.token = a.newToken
	return a.newToken, nil
}

type fixedSchool string

func (s fixedSchool) SchoolID() string { return string(s) }

const twoNotifications = `{"data":{"s21Notification":{"getS21Notifications":{"notifications":[
 {"id":"n2","relatedObjectType":"PROJECT","relatedObjectId":"p1","message":"<b>Review</b> booked","time":"2024-05-01T10:00:00Z","wasRead":false,"groupName":"Reviews"},
 {"id":"n1","relatedObjectType":"EVENT","relatedObjectId":"e1","message":"Event soon","time":"2024-04-30T09:00:00Z","wasRead":true,"groupName":"Events"}
],"totalCount":2,"groupNames":["Reviews","Events"]}}}}`

func newFixture(t *testing.T) (*fakePlatform, *Client) {
	t.Helper()
	p := &fakePlatform{t: t, valid: map[string]bool{"Bearer good": true, "Bearer renewed": true}, graphQLBody: twoNotifications}
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)
	c := New(&http.Client{Timeout: 2 * time.Second}, srv.URL, discardLogger())
	c.retryDelay = time.Millisecond
	return p, c
}

func TestValidateToken(t *testing.T) {
	p, c := newFixture(t)
	ctx := context.Background()

	if !c.ValidateToken(ctx, "good") {
		t.Error("valid token rejected")
	}
	if c.ValidateToken(ctx, "stale") {
		t.Error("stale token accepted")
	}
	before := p.probes.Load()
	if c.ValidateToken(ctx, "") {
		t.Error("empty token accepted")
	}
	if p.probes.Load() != before {
		t.Error("empty token should not be probed")
	}

	unreachable := New(nil, "http://127.0.0.1:1", discardLogger())
	if unreachable.ValidateToken(ctx, "good") {
		t.Error("transport failure must report invalid")
	}
}

func TestFetchNotificationsRequestShape(t *testing.T) {
	p, c := newFixture(t)

	got, err := c.FetchNotifications(context.Background(), "good", "school-7", 50, 0)
	if err != nil {
		t.Fatalf("FetchNotifications: %v", err)
	}
	want := []notifier.Notification{
		{ID: "n2", RelatedObjectType: "PROJECT", RelatedObjectID: "p1", Message: "<b>Review</b> booked", Time: "2024-05-01T10:00:00Z", GroupName: "Reviews"},
		{ID: "n1", RelatedObjectType: "EVENT", RelatedObjectID: "e1", Message: "Event soon", Time: "2024-04-30T09:00:00Z", GroupName: "Events", WasRead: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for header, want := range map[string]string{
		"Authorization": "Bearer good",
		"Schoolid":      "school-7",
		"Userrole":      "STUDENT",
		"Content-Type":  "application/json",
		"User-Agent":    userAgent,
	} {
		if got := p.lastHeaders.Get(header); got != want {
			t.Errorf("header %s = %q, want %q", header, got, want)
		}
	}
	if p.lastRequest.OperationName != "getUserNotifications" {
		t.Errorf("operationName = %q", p.lastRequest.OperationName)
	}
	paging, _ := p.lastRequest.Variables["paging"].(map[string]any)
	if paging["limit"] != float64(50) || paging["offset"] != float64(0) {
		t.Errorf("paging = %v, want limit 50 offset 0", paging)
	}
}

func TestFetchNotificationsResponses(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		status   int
		wantKind notifier.Kind
		wantLen  int
	}{
		{name: "graphql errors on 200", body: `{"errors":[{"message":"boom"}],"data":null}`, wantKind: notifier.KindUpstream},
		{name: "empty errors array fails", body: `{"errors":[],"data":{"s21Notification":{"getS21Notifications":{"notifications":[{"id":"1"}]}}}}`, wantKind: notifier.KindUpstream},
		{name: "null errors", body: `{"errors":null,"data":{"s21Notification":{"getS21Notifications":{"notifications":[{"id":"1"}]}}}}`, wantLen: 1},
		{name: "missing nested keys", body: `{"data":{}}`},
		{name: "null data", body: `{"data":null}`},
		{name: "not json", body: `<html>`, wantKind: notifier.KindMalformed},
		{name: "token rejected", status: http.StatusUnauthorized, wantKind: notifier.KindCredentials},
		{name: "server error", status: http.StatusInternalServerError, wantKind: notifier.KindUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, c := newFixture(t)
			p.graphQLBody = tt.body
			p.graphQLStatus = tt.status

			got, err := c.FetchNotifications(context.Background(), "good", "s", 50, 0)
			if tt.wantKind != notifier.KindUnknown {
				if got := notifier.KindOf(err); got != tt.wantKind {
					t.Errorf("kind = %v, want %v (err: %v)", got, tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchNotifications: %v", err)
			}
			if got == nil || len(got) != tt.wantLen {
				t.Errorf("got %v, want non-nil list of %d", got, tt.wantLen)
			}
		})
	}
}

func TestFetcherPreconditions(t *testing.T) {
	p, c := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		auth   *fakeAuth
		school string
	}{
		{name: "no token", auth: &fakeAuth{}, school: "s"},
		{name: "no campus", auth: &fakeAuth{token: "good"}, school: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFetcher(c, tt.auth, fixedSchool(tt.school), discardLogger())
			probes, calls := p.probes.Load(), p.graphQLCalls.Load()

			_, err := f.Notifications(ctx, PageSize, 0)
			if !notifier.IsKind(err, notifier.KindConfig) {
				t.Errorf("err = %v, want config failure", err)
			}
			if p.probes.Load() != probes || p.graphQLCalls.Load() != calls {
				t.Error("precondition failure must not touch the network")
			}
			if tt.auth.reauths.Load() != 0 {
				t.Error("precondition failure must not re-authenticate")
			}
		})
	}
}

func TestFetcherValidTokenSkipsReauth(t *testing.T) {
	_, c := newFixture(t)
	auth := &fakeAuth{token: "good"}
	f := NewFetcher(c, auth, fixedSchool("s"), discardLogger())

	latest, err := f.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.ID != "n2" {
		t.Errorf("Latest = %+v, want n2", latest)
	}
	if auth.reauths.Load() != 0 {
		t.Errorf("reauths = %d, want 0", auth.reauths.Load())
	}
}

func TestFetcherReauthenticatesExactlyOnce(t *testing.T) {
	p, c := newFixture(t)
	auth := &fakeAuth{token: "stale", newToken: "renewed"}
	f := NewFetcher(c, auth, fixedSchool("s"), discardLogger())

	list, err := f.Notifications(context.Background(), PageSize, 0)
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("got %d notifications, want 2", len(list))
	}
	if auth.reauths.Load() != 1 {
		t.Errorf("reauths = %d, want 1", auth.reauths.Load())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if got := p.lastHeaders.Get("Authorization"); got != "Bearer renewed" {
		t.Errorf("fetch used %q, want the renewed token", got)
	}
}

func TestFetcherFailedReauthFailsFetch(t *testing.T) {
	p, c := newFixture(t)
	loginErr := notifier.Errorf(notifier.KindCredentials, "authenticate", "rejected")
	auth := &fakeAuth{token: "stale", err: loginErr}
	f := NewFetcher(c, auth, fixedSchool("s"), discardLogger())

	_, err := f.Notifications(context.Background(), PageSize, 0)
	if !errors.Is(err, loginErr) {
		t.Errorf("err = %v, want the login error", err)
	}
	if auth.reauths.Load() != 1 {
		t.Errorf("reauths = %d, want exactly 1", auth.reauths.Load())
	}
	if p.graphQLCalls.Load() != 0 {
		t.Error("no fetch should happen without a usable token")
	}
}

func TestFetcherLatestEmpty(t *testing.T) {
	p, c := newFixture(t)
	p.graphQLBody = `{"data":{"s21Notification":{"getS21Notifications":{"notifications":[]}}}}`
	f := NewFetcher(c, &fakeAuth{token: "good"}, fixedSchool("s"), discardLogger())

	latest, err := f.Latest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if latest != nil {
		t.Errorf("Latest = %+v, want nil", latest)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	paging, _ := p.lastRequest.Variables["paging"].(map[string]any)
	if paging["limit"] != float64(1) {
		t.Errorf("limit = %v, want 1", paging["limit"])
	}
}

func TestFetcherCampuses(t *testing.T) {
	_, c := newFixture(t)
	auth := &fakeAuth{token: "stale", newToken: "renewed"}
	f := NewFetcher(c, auth, fixedSchool(""), discardLogger())

	got, err := f.Campuses(context.Background())
	if err != nil {
		t.Fatalf("Campuses: %v", err)
	}
	want := []notifier.Campus{
		{ID: "c1", ShortName: "MSK", FullName: "Moscow"},
		{ID: "c2", ShortName: "KZN", FullName: "Kazan"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("campuses mismatch (-want +got):\n%s", diff)
	}
	if auth.reauths.Load() != 1 {
		t.Errorf("reauths = %d, want 1", auth.reauths.Load())
	}
}

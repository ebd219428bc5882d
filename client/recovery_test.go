package client_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adamwoolhether/httpguard/client"
	"github.com/adamwoolhether/httpguard/csrf"
	"github.com/adamwoolhether/httpguard/notify"
	"github.com/adamwoolhether/httpguard/problem"
	"github.com/adamwoolhether/httpguard/validate"
	"github.com/google/go-cmp/cmp"
)

const (
	staleToken = "tok-1"
	freshToken = "tok-2"
)

// backend fakes an API that rotates bearer tokens through /auth/refresh and
// checks CSRF tokens on state-changing calls.
type backend struct {
	server *httptest.Server
	url    *url.URL

	refreshes  atomic.Int32
	refreshOK  atomic.Bool
	refreshLag time.Duration

	mu     sync.Mutex
	bodies []string
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := backend{refreshLag: 20 * time.Millisecond}
	b.refreshOK.Store(true)

	unauthorized := func(w http.ResponseWriter) {
		_ = problem.Write(w, &problem.Problem{
			Type:    "about:blank",
			Title:   "Unauthorized",
			Status:  http.StatusUnauthorized,
			Detail:  "access token expired",
			Code:    problem.CodeUnauthorized,
			TraceID: "t-401",
		})
	}

	authorized := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer "+freshToken
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		b.refreshes.Add(1)
		time.Sleep(b.refreshLag)

		if !b.refreshOK.Load() {
			unauthorized(w)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"` + freshToken + `"}`))
	})
	mux.HandleFunc("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
		unauthorized(w)
	})
	mux.HandleFunc("GET /api/invoices", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			unauthorized(w)
			return
		}
		_, _ = w.Write([]byte(`{"body":"invoices"}`))
	})
	mux.HandleFunc("POST /api/notes", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.bodies = append(b.bodies, string(data))
		b.mu.Unlock()

		if !authorized(r) {
			unauthorized(w)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /api/orders", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("csrf_token")
		if err != nil || r.Header.Get("X-CSRF-Token") != cookie.Value {
			_ = problem.WriteLegacy(w, http.StatusForbidden, "detail", "CSRF token missing or incorrect.")
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /api/transfers", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			unauthorized(w)
			return
		}
		if _, err := r.Cookie("csrf_token"); err != nil {
			_ = problem.WriteLegacy(w, http.StatusForbidden, "detail", "CSRF token missing or incorrect.")
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("DELETE /api/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = problem.Write(w, &problem.Problem{
			Status:  http.StatusForbidden,
			Detail:  "orders can only be deleted by their owner",
			Code:    problem.CodeForbidden,
			TraceID: "t-403",
		})
	})
	mux.HandleFunc("GET /api/customer", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"","email":"not-an-email"}`))
	})
	mux.HandleFunc("GET /api/report", func(w http.ResponseWriter, r *http.Request) {
		_ = problem.Write(w, &problem.Problem{
			Status:  http.StatusInternalServerError,
			Detail:  "nil pointer in report builder",
			Code:    problem.CodeInternal,
			TraceID: "t-500",
		})
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)

	u, err := url.Parse(b.server.URL)
	if err != nil {
		t.Fatal(err)
	}
	b.url = u

	return &b
}

func (b *backend) endpoint(path string) *url.URL {
	return b.url.JoinPath(path)
}

func buildClient(t *testing.T, opts ...client.Option) *client.Client {
	t.Helper()

	c, err := client.Build(append([]client.Option{client.WithLogger(slog.New(slog.DiscardHandler))}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := c.Session().SetToken(staleToken); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestDo_RefreshesOnceForConcurrent401s(t *testing.T) {
	const n = 10

	b := newBackend(t)
	c := buildClient(t, client.WithBaseURL(b.server.URL))

	var wg sync.WaitGroup
	errs := make([]error, n)
	got := make([]payload, n)
	for i := range n {
		wg.Go(func() {
			req, err := c.Request(t.Context(), b.endpoint("/api/invoices"), http.MethodGet)
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = c.Do(req, http.StatusOK, client.WithDestination(&got[i]))
		})
	}
	wg.Wait()

	if refreshes := b.refreshes.Load(); refreshes != 1 {
		t.Fatalf("refresh endpoint called %d times, want 1", refreshes)
	}

	for i := range n {
		if errs[i] != nil {
			t.Errorf("request %d: %v", i, errs[i])
			continue
		}
		if got[i].Body != "invoices" {
			t.Errorf("request %d: body %q", i, got[i].Body)
		}
	}

	if tok, _ := c.Session().Token(); tok != freshToken {
		t.Errorf("token = %q, want refreshed token", tok)
	}
	if !c.Session().State().IsAuthenticated {
		t.Error("session must be authenticated after refresh")
	}
}

func TestDo_RetryReplaysBody(t *testing.T) {
	b := newBackend(t)
	c := buildClient(t) // refresh endpoint resolved from the request origin

	req, err := c.Request(t.Context(), b.endpoint("/api/notes"), http.MethodPost,
		client.WithPayload(payload{Body: "call back tomorrow"}),
	)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Do(req, http.StatusCreated); err != nil {
		t.Fatalf("Do: %v", err)
	}

	b.mu.Lock()
	bodies := b.bodies
	b.mu.Unlock()

	if len(bodies) != 2 {
		t.Fatalf("server saw %d attempts, want 2", len(bodies))
	}
	if diff := cmp.Diff(bodies[0], bodies[1]); diff != "" || !strings.Contains(bodies[0], "call back tomorrow") {
		t.Errorf("retry body differs (-first +retry):\n%s", diff)
	}
}

func TestDo_RefreshFailureRedirectsToLogin(t *testing.T) {
	b := newBackend(t)
	b.refreshOK.Store(false)

	var rec notify.Recorder
	c := buildClient(t,
		client.WithBaseURL(b.server.URL),
		client.WithSink(&rec),
		client.WithLocation(func() string { return "/dashboard" }),
	)
	if err := c.Session().MarkAuthenticated(); err != nil {
		t.Fatal(err)
	}

	req, err := c.Request(t.Context(), b.endpoint("/api/invoices"), http.MethodGet)
	if err != nil {
		t.Fatal(err)
	}

	err = c.Do(req, http.StatusOK)
	if !errors.Is(err, client.ErrAuthFailure) || !errors.Is(err, problem.ErrAuth) {
		t.Fatalf("expected original 401, got: %v", err)
	}
	if p := problem.Classify(err); p == nil || p.TraceID != "t-401" {
		t.Errorf("expected the request's problem, got %+v", p)
	}

	if diff := cmp.Diff([]string{"/login?return=%2Fdashboard"}, rec.Redirects()); diff != "" {
		t.Errorf("redirects mismatch (-want +got):\n%s", diff)
	}
	if c.Session().State().IsAuthenticated {
		t.Error("session must be cleared")
	}
	if b.refreshes.Load() != 1 {
		t.Errorf("refresh endpoint called %d times, want 1", b.refreshes.Load())
	}
}

func TestDo_ExcludedPathNotRecovered(t *testing.T) {
	b := newBackend(t)

	var rec notify.Recorder
	c := buildClient(t,
		client.WithSink(&rec),
		client.WithExcludedPaths("/auth/me"),
	)

	req, err := c.Request(t.Context(), b.endpoint("/auth/me"), http.MethodGet)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Do(req, http.StatusOK); problem.StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got: %v", err)
	}
	if b.refreshes.Load() != 0 {
		t.Errorf("refresh endpoint called for excluded path")
	}
	if len(rec.Redirects()) != 0 {
		t.Errorf("unexpected redirect: %v", rec.Redirects())
	}
}

func TestDo_CSRFFailureReloads(t *testing.T) {
	b := newBackend(t)

	var rec notify.Recorder
	c := buildClient(t, client.WithSink(&rec))

	var events []csrf.Event
	cancel := c.OnCSRFFailure(func(e csrf.Event) { events = append(events, e) })
	defer cancel()

	req, err := c.Request(t.Context(), b.endpoint("/api/orders"), http.MethodPost, client.WithPayload(payload{Body: "2x widget"}))
	if err != nil {
		t.Fatal(err)
	}

	err = c.Do(req, http.StatusCreated)
	if !errors.Is(err, csrf.ErrTokenInvalid) {
		t.Fatalf("expected csrf.ErrTokenInvalid, got: %v", err)
	}

	p := problem.Classify(err)
	if p == nil || p.Status != http.StatusForbidden || p.Code != problem.CodeUnknown {
		t.Fatalf("expected legacy 403 problem, got %+v", p)
	}

	if rec.Reloads() != 1 {
		t.Errorf("reloads = %d, want 1", rec.Reloads())
	}
	if len(events) != 1 || events[0].Path != "/api/orders" {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestDo_CSRFFailureAfterRefreshReloads(t *testing.T) {
	b := newBackend(t)

	var rec notify.Recorder
	c := buildClient(t, client.WithBaseURL(b.server.URL), client.WithSink(&rec))

	var events []csrf.Event
	cancel := c.OnCSRFFailure(func(e csrf.Event) { events = append(events, e) })
	defer cancel()

	req, err := c.Request(t.Context(), b.endpoint("/api/transfers"), http.MethodPost, client.WithPayload(payload{Body: "100 EUR"}))
	if err != nil {
		t.Fatal(err)
	}

	err = c.Do(req, http.StatusCreated)
	if !errors.Is(err, csrf.ErrTokenInvalid) {
		t.Fatalf("expected csrf.ErrTokenInvalid, got: %v", err)
	}

	if refreshes := b.refreshes.Load(); refreshes != 1 {
		t.Errorf("refresh endpoint called %d times, want 1", refreshes)
	}
	if rec.Reloads() != 1 {
		t.Errorf("reloads = %d, want 1", rec.Reloads())
	}
	if len(events) != 1 || events[0].Path != "/api/transfers" {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestDo_CSRFTokenFromJar(t *testing.T) {
	b := newBackend(t)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	jar.SetCookies(b.url, []*http.Cookie{{Name: "csrf_token", Value: "c5rf", Path: "/"}})

	var rec notify.Recorder
	c := buildClient(t, client.WithCookieJar(jar), client.WithSink(&rec))

	req, err := c.Request(t.Context(), b.endpoint("/api/orders"), http.MethodPost, client.WithPayload(payload{Body: "2x widget"}))
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Do(req, http.StatusCreated); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if rec.Reloads() != 0 {
		t.Error("no reload expected with a valid token")
	}
}

func TestDo_PlainForbiddenPassesThrough(t *testing.T) {
	b := newBackend(t)

	var rec notify.Recorder
	c := buildClient(t, client.WithSink(&rec))

	req, err := c.Request(t.Context(), b.endpoint("/api/orders/7"), http.MethodDelete)
	if err != nil {
		t.Fatal(err)
	}

	err = c.Do(req, http.StatusNoContent)
	if errors.Is(err, csrf.ErrTokenInvalid) {
		t.Fatal("plain 403 must not be treated as csrf failure")
	}
	if got := problem.Message(err); got != "You don't have permission to perform this action" {
		t.Errorf("Message() = %q", got)
	}
	if rec.Reloads() != 0 {
		t.Errorf("reloads = %d, want 0", rec.Reloads())
	}
}

type customer struct {
	ID    string `json:"id" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

func TestDo_WithValidation(t *testing.T) {
	b := newBackend(t)

	testCases := map[string]struct {
		strict bool
		expErr bool
	}{
		"lenient": {strict: false, expErr: false},
		"strict":  {strict: true, expErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			c := buildClient(t, client.WithStrictValidation(tc.strict))

			req, err := c.Request(t.Context(), b.endpoint("/api/customer"), http.MethodGet)
			if err != nil {
				t.Fatal(err)
			}

			var got customer
			err = c.Do(req, http.StatusOK, client.WithDestination(&got), client.WithValidation())

			if !tc.expErr {
				if err != nil {
					t.Fatalf("lenient validation must not fail: %v", err)
				}
				if got.Email != "not-an-email" {
					t.Errorf("payload not returned as is: %+v", got)
				}
				return
			}

			verr, ok := errors.AsType[*validate.Error](err)
			if !ok {
				t.Fatalf("expected *validate.Error, got %v", err)
			}
			if _, ok := verr.Fields.Fields()["id"]; !ok {
				t.Errorf("expected id field error, got %v", verr.Fields)
			}
			if problem.Classify(err) != nil {
				t.Error("validation failure must not classify as a response problem")
			}
		})
	}
}

func TestReport(t *testing.T) {
	b := newBackend(t)

	var logs bytes.Buffer
	var rec notify.Recorder
	c, err := client.Build(
		client.WithSink(&rec),
		client.WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))),
	)
	if err != nil {
		t.Fatal(err)
	}

	req, err := c.Request(t.Context(), b.endpoint("/api/report"), http.MethodGet)
	if err != nil {
		t.Fatal(err)
	}

	err = c.Do(req, http.StatusOK)
	c.Report(t.Context(), err)

	exp := []notify.Toast{{Level: notify.LevelError, Message: "An unexpected server error occurred. Please try again later"}}
	if diff := cmp.Diff(exp, rec.Toasts()); diff != "" {
		t.Errorf("toasts mismatch (-want +got):\n%s", diff)
	}

	var entry struct {
		Msg     string `json:"msg"`
		Status  int    `json:"status"`
		TraceID string `json:"trace_id"`
	}
	for line := range strings.SplitSeq(strings.TrimSpace(logs.String()), "\n") {
		if err := json.Unmarshal([]byte(line), &entry); err == nil && entry.Msg == "server error" {
			break
		}
	}
	if entry.Msg != "server error" || entry.Status != http.StatusInternalServerError || entry.TraceID != "t-500" {
		t.Errorf("expected server error log entry, got %+v\nlogs: %s", entry, logs.String())
	}
}

func TestReport_Network(t *testing.T) {
	var rec notify.Recorder
	c := buildClient(t, client.WithSink(&rec))

	c.Report(t.Context(), errors.New("dial tcp: connection refused"))
	c.Report(t.Context(), nil)

	exp := []notify.Toast{{Level: notify.LevelError, Message: "dial tcp: connection refused"}}
	if diff := cmp.Diff(exp, rec.Toasts()); diff != "" {
		t.Errorf("toasts mismatch (-want +got):\n%s", diff)
	}
}

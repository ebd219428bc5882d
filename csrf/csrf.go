// Package csrf recovers from rejected CSRF tokens.
//
// When the server refuses a request because its CSRF token is missing or
// stale, the only reliable way to obtain a valid token is a fresh page load,
// which makes the server set a new csrf_token cookie. Handler detects that
// failure, tells its subscribers, and asks the host to reload.
package csrf

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/adamwoolhether/httpguard/notify"
	"github.com/adamwoolhether/httpguard/problem"
)

// ErrTokenInvalid is joined with the original problem when a request is
// rejected for a CSRF failure.
var ErrTokenInvalid = errors.New("csrf token invalid")

// signature is matched against the detail of legacy payloads, which carry no code.
const signature = "csrf"

// Event is delivered to subscribers when a CSRF failure is detected.
type Event struct {
	Path    string
	Problem *problem.Problem
}

// Handler is safe for concurrent use.
type Handler struct {
	sink   notify.Sink
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger injects a custom [slog.Logger].
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New returns a Handler that reloads through sink. A nil sink logs instead.
func New(sink notify.Sink, opts ...Option) *Handler {
	h := Handler{
		sink:   sink,
		logger: slog.Default(),
		subs:   make(map[int]func(Event)),
	}

	for _, opt := range opts {
		opt(&h)
	}

	if h.sink == nil {
		h.sink = notify.LogSink{Logger: h.logger}
	}

	return &h
}

// Subscribe registers fn for CSRF failure events. The returned func removes
// the subscription and is safe to call more than once.
func (h *Handler) Subscribe(fn func(Event)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Matches reports whether p is a CSRF failure: a 403 carrying either the
// CSRF code or, for legacy payloads, a detail mentioning CSRF.
func Matches(p *problem.Problem) bool {
	if p == nil || p.Status != http.StatusForbidden {
		return false
	}

	if p.Code == problem.CodeCSRFInvalid {
		return true
	}

	return strings.Contains(strings.ToLower(p.Detail), signature)
}

// Handle reacts to p. It returns false, doing nothing, unless p is a CSRF
// failure. Otherwise subscribers are notified and the host is asked to
// reload; the request that failed is not retried.
func (h *Handler) Handle(ctx context.Context, path string, p *problem.Problem) bool {
	if !Matches(p) {
		return false
	}

	h.logger.WarnContext(ctx, "csrf token rejected, reloading", "path", path, "trace_id", p.TraceID)

	evt := Event{Path: path, Problem: p}

	h.mu.RLock()
	subs := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(evt)
	}

	h.sink.Reload(ctx)

	return true
}

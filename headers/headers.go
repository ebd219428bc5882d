// Package headers provides the http.RoundTripper that stamps every outbound
// request with tracing and security headers.
//
// Per request it sets:
//
//	X-Correlation-Id  the session's correlation id
//	X-Request-Id      a fresh UUID
//	Authorization     "Bearer <token>", unless the caller set one
//	X-CSRF-Token      the csrf_token cookie, on POST/PUT/PATCH/DELETE only
//	X-Entity-Id       the selected entity id, when one is selected
//
// The caller's request is never mutated; a clone is sent instead.
package headers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/adamwoolhether/httpguard/session"
)

const (
	CorrelationID = "X-Correlation-Id"
	RequestID     = "X-Request-Id"
	CSRFToken     = "X-CSRF-Token"
	EntityID      = "X-Entity-Id"
	Authorization = "Authorization"

	// CSRFCookie is the cookie the server rotates the CSRF token through.
	CSRFCookie = "csrf_token"
)

// CookieSource yields the cookies the browser would send to u. An
// [http.CookieJar] satisfies it.
type CookieSource interface {
	Cookies(u *url.URL) []*http.Cookie
}

// Option configures the injector.
type Option func(*options) error

type options struct {
	csrfCookie string
	csrfHeader string
	newID      func() string
}

// WithCSRFCookie overrides the cookie the CSRF token is read from.
func WithCSRFCookie(name string) Option {
	return func(o *options) error {
		if name == "" {
			return errors.New("csrf cookie name must not be empty")
		}
		o.csrfCookie = name
		return nil
	}
}

// WithCSRFHeader overrides the header the CSRF token is sent in.
func WithCSRFHeader(name string) Option {
	return func(o *options) error {
		if name == "" {
			return errors.New("csrf header name must not be empty")
		}
		o.csrfHeader = name
		return nil
	}
}

// WithRequestIDFunc overrides how request ids are minted.
func WithRequestIDFunc(fn func() string) Option {
	return func(o *options) error {
		if fn == nil {
			return errors.New("request id func must not be nil")
		}
		o.newID = fn
		return nil
	}
}

// injector is an http.RoundTripper, enabling the security and tracing headers.
type injector struct {
	sess       *session.Session
	cookies    CookieSource
	csrfCookie string
	csrfHeader string
	newID      func() string
	base       http.RoundTripper
}

// NewRoundTripper wraps next with header injection. cookies may be nil, in
// which case no CSRF token is ever attached.
func NewRoundTripper(sess *session.Session, cookies CookieSource, next http.RoundTripper, optFns ...Option) (http.RoundTripper, error) {
	if sess == nil {
		return nil, errors.New("session must not be nil")
	}
	if next == nil {
		return nil, errors.New("transport must not be nil")
	}

	opts := options{
		csrfCookie: CSRFCookie,
		csrfHeader: CSRFToken,
		newID:      uuid.NewString,
	}
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, err
		}
	}

	inj := injector{
		sess:       sess,
		cookies:    cookies,
		csrfCookie: opts.csrfCookie,
		csrfHeader: opts.csrfHeader,
		newID:      opts.newID,
		base:       next,
	}

	return &inj, nil
}

func (i *injector) RoundTrip(r *http.Request) (*http.Response, error) {
	cpy := r.Clone(r.Context())

	cpy.Header.Set(CorrelationID, i.sess.CorrelationID())
	cpy.Header.Set(RequestID, i.newID())

	if cpy.Header.Get(Authorization) == "" {
		if tok, ok := i.sess.Token(); ok {
			cpy.Header.Set(Authorization, "Bearer "+tok)
		}
	}

	if StateChanging(cpy.Method) {
		if tok, ok := i.csrfToken(cpy.URL); ok {
			cpy.Header.Set(i.csrfHeader, tok)
		}
	}

	if id, ok := i.sess.SelectedEntity(); ok {
		cpy.Header.Set(EntityID, id)
	}

	return i.base.RoundTrip(cpy)
}

// csrfToken re-reads the cookie on every call since the server rotates it.
func (i *injector) csrfToken(u *url.URL) (string, bool) {
	if i.cookies == nil {
		return "", false
	}

	for _, c := range i.cookies.Cookies(u) {
		if c.Name == i.csrfCookie && c.Value != "" {
			return c.Value, true
		}
	}

	return "", false
}

// StateChanging reports whether method mutates server state and therefore
// needs CSRF protection.
func StateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}

	return false
}

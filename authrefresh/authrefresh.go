// Package authrefresh recovers requests that failed with 401 Unauthorized by
// refreshing the session once and letting the caller retry.
//
// Any number of concurrent 401s share a single refresh call. A Coordinator
// counts successful refreshes; callers take a Generation snapshot before
// sending and hand it back to Recover, which lets a request that was already
// in flight when another one refreshed the session retry without refreshing
// again.
package authrefresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/singleflight"

	"github.com/adamwoolhether/httpguard/notify"
	"github.com/adamwoolhether/httpguard/session"
)

const (
	// DefaultRefreshPath is the backend endpoint that renews the session.
	DefaultRefreshPath = "/auth/refresh"

	// DefaultLoginPath is where the user is sent when a refresh fails.
	DefaultLoginPath = "/login"

	// ReturnParam carries the page to come back to after logging in.
	ReturnParam = "return"

	refreshKey = "refresh"
)

// ErrRefreshFailed wraps the refresher's error.
var ErrRefreshFailed = errors.New("session refresh failed")

// Refresher renews the session, typically by calling the refresh endpoint.
type Refresher func(ctx context.Context) error

// Coordinator is safe for concurrent use.
type Coordinator struct {
	refresh Refresher
	sess    *session.Session
	opts    options

	refreshes metric.Int64Counter

	group singleflight.Group

	// mu guards gen and orders DoChan calls against its increment.
	mu  sync.Mutex
	gen uint64
}

// Option configures a Coordinator.
type Option func(*options) error

type options struct {
	refreshPath string
	loginPath   string
	excluded    []string
	public      []string
	location    func() string
	sink        notify.Sink
	logger      *slog.Logger
	meter       metric.Meter
}

// WithRefreshPath sets the refresh endpoint path, which never triggers a
// refresh itself. Defaults to DefaultRefreshPath.
func WithRefreshPath(path string) Option {
	return func(o *options) error {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("refresh path %q must start with /", path)
		}
		o.refreshPath = path
		return nil
	}
}

// WithLoginPath sets the login view used for redirects. Defaults to
// DefaultLoginPath. The login view is always treated as a public page.
func WithLoginPath(path string) Option {
	return func(o *options) error {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("login path %q must start with /", path)
		}
		o.loginPath = path
		return nil
	}
}

// WithExcludedPaths lists request paths whose 401s are returned unchanged,
// such as session probes. A request path matches when it ends with an entry.
func WithExcludedPaths(paths ...string) Option {
	return func(o *options) error {
		for _, p := range paths {
			if p == "" {
				return errors.New("excluded path must not be empty")
			}
		}
		o.excluded = append(o.excluded, paths...)
		return nil
	}
}

// WithPublicPages lists pages of the host application that never refresh or
// redirect. A page matches an entry equal to it or one of its parents.
func WithPublicPages(pages ...string) Option {
	return func(o *options) error {
		for _, p := range pages {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("public page %q must start with /", p)
			}
		}
		o.public = append(o.public, pages...)
		return nil
	}
}

// WithLocation supplies the page the user is currently on.
func WithLocation(fn func() string) Option {
	return func(o *options) error {
		if fn == nil {
			return errors.New("location func must not be nil")
		}
		o.location = fn
		return nil
	}
}

// WithSink sets where login redirects are sent. Defaults to a notify.LogSink.
func WithSink(sink notify.Sink) Option {
	return func(o *options) error {
		if sink == nil {
			return errors.New("sink must not be nil")
		}
		o.sink = sink
		return nil
	}
}

// WithLogger injects a custom [slog.Logger].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithMeter records refresh outcomes on meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) error {
		if meter == nil {
			return errors.New("meter must not be nil")
		}
		o.meter = meter
		return nil
	}
}

// New returns a Coordinator that renews sess through refresh.
func New(refresh Refresher, sess *session.Session, optFns ...Option) (*Coordinator, error) {
	if refresh == nil {
		return nil, errors.New("refresher must not be nil")
	}
	if sess == nil {
		return nil, errors.New("session must not be nil")
	}

	opts := options{
		refreshPath: DefaultRefreshPath,
		loginPath:   DefaultLoginPath,
		location:    func() string { return "" },
		logger:      slog.Default(),
		meter:       noop.NewMeterProvider().Meter(""),
	}
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying authrefresh option: %w", err)
		}
	}

	if opts.sink == nil {
		opts.sink = notify.LogSink{Logger: opts.logger}
	}

	refreshes, err := opts.meter.Int64Counter("httpguard.auth.refreshes",
		metric.WithDescription("Session refresh attempts by outcome."),
	)
	if err != nil {
		return nil, fmt.Errorf("creating refresh counter: %w", err)
	}

	c := Coordinator{
		refresh:   refresh,
		sess:      sess,
		opts:      opts,
		refreshes: refreshes,
	}

	return &c, nil
}

// RefreshPath returns the configured refresh endpoint path.
func (c *Coordinator) RefreshPath() string {
	return c.opts.refreshPath
}

// Generation returns the number of successful refreshes so far.
func (c *Coordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.gen
}

// Excluded reports whether a 401 on path is returned to the caller as is.
func (c *Coordinator) Excluded(path string) bool {
	if strings.HasSuffix(path, c.opts.refreshPath) {
		return true
	}

	for _, p := range c.opts.excluded {
		if strings.HasSuffix(path, p) {
			return true
		}
	}

	return false
}

// Public reports whether page is one of the public pages.
func (c *Coordinator) Public(page string) bool {
	page, _, _ = strings.Cut(page, "?")
	page, _, _ = strings.Cut(page, "#")

	for _, p := range append([]string{c.opts.loginPath}, c.opts.public...) {
		p = strings.TrimSuffix(p, "/")
		if p == "" || page == p || strings.HasPrefix(page, p+"/") {
			return true
		}
	}

	return false
}

// Recover handles a 401 received for a request to path that was sent when
// the generation was seen. cause is the error describing that 401.
//
// A nil return means the session is fresh and the request should be sent
// again, once. Otherwise the returned error is for the caller: cause itself
// when the request is excluded, the page is public or the refresh failed,
// or ctx's error when ctx ends while waiting for the refresh.
func (c *Coordinator) Recover(ctx context.Context, path string, seen uint64, cause error) error {
	if c.Excluded(path) {
		c.opts.logger.DebugContext(ctx, "401 on excluded path", "path", path)
		return cause
	}

	if page := c.opts.location(); c.Public(page) {
		c.opts.logger.DebugContext(ctx, "401 on public page", "path", path, "page", page)
		return cause
	}

	c.mu.Lock()
	if c.gen != seen {
		c.mu.Unlock()
		return nil
	}
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return nil, c.run(context.WithoutCancel(ctx))
	})
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()

	case res := <-ch:
		if res.Err != nil {
			return cause
		}
		return nil
	}
}

// run performs one refresh cycle. Every concurrent Recover shares its result.
func (c *Coordinator) run(ctx context.Context) error {
	c.opts.logger.InfoContext(ctx, "refreshing session")

	if err := c.refresh(ctx); err != nil {
		c.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
		c.fail(ctx, err)
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	c.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))

	if err := c.sess.MarkAuthenticated(); err != nil {
		c.opts.logger.WarnContext(ctx, "storing session state", "error", err)
	}

	c.mu.Lock()
	c.gen++
	c.mu.Unlock()

	return nil
}

// fail ends the session and sends the user to log in, unless they are on a
// public page.
func (c *Coordinator) fail(ctx context.Context, cause error) {
	c.opts.logger.WarnContext(ctx, "session refresh failed", "error", cause)

	if err := c.sess.Clear(); err != nil {
		c.opts.logger.WarnContext(ctx, "clearing session state", "error", err)
	}

	page := c.opts.location()
	if c.Public(page) {
		return
	}

	c.opts.sink.Redirect(ctx, c.LoginURL(page))
}

// LoginURL returns the login view carrying page as the return path.
func (c *Coordinator) LoginURL(page string) string {
	if page == "" {
		return c.opts.loginPath
	}

	q := url.Values{ReturnParam: []string{page}}
	return c.opts.loginPath + "?" + q.Encode()
}

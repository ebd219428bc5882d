package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/httpguard/authrefresh"
	"github.com/adamwoolhether/httpguard/client/throttle"
	"github.com/adamwoolhether/httpguard/headers"
	"github.com/adamwoolhether/httpguard/notify"
	"github.com/adamwoolhether/httpguard/session"
)

// Option is a functional option for configuring a [Client] via [Build].
type Option func(*options) error
type options struct {
	client            *http.Client
	rt                http.RoundTripper
	timeout           *time.Duration
	userAgent         string
	throttle          *throttle.Config
	noFollowRedirects bool
	logger            *slog.Logger

	baseURL        *url.URL
	session        *session.Session
	jar            http.CookieJar
	sink           notify.Sink
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	strict         bool
	headerOpts     []headers.Option
	authOpts       []authrefresh.Option
}

// WithClient replaces the default [http.Client] used by the [Client].
func WithClient(hc *http.Client) Option {
	return func(c *options) error {
		if hc == nil {
			return errors.New("client must not be nil")
		}
		c.client = hc
		return nil
	}
}

// WithTransport sets a custom [http.RoundTripper] as the base transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *options) error {
		if rt == nil {
			return errors.New("transport must not be nil")
		}
		c.rt = rt
		return nil
	}
}

// WithTimeout sets the overall request timeout on the underlying [http.Client].
func WithTimeout(d time.Duration) Option {
	return func(c *options) error {
		if d < 0 {
			return errors.New("timeout must not be negative")
		}
		c.timeout = &d
		return nil
	}
}

// WithUserAgent adds a persistent User-Agent header to all outgoing requests.
func WithUserAgent(header string) Option {
	return func(c *options) error {
		c.userAgent = header
		return nil
	}
}

// WithThrottle enables token-bucket rate limiting with the given requests per second and burst capacity.
// A 429 response with Retry-After additionally pauses requests for up to maxPause;
// zero uses [throttle.DefaultMaxPause].
func WithThrottle(rps, burst int, maxPause time.Duration) Option {
	return func(c *options) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, throttle.ErrMustNotBeZero)
		}
		if maxPause == 0 {
			maxPause = throttle.DefaultMaxPause
		}
		c.throttle = &throttle.Config{RPS: rps, Burst: burst, MaxPause: maxPause}
		return nil
	}
}

// WithNoFollowRedirects prevents the [Client] from following HTTP redirects.
func WithNoFollowRedirects() Option {
	return func(c *options) error {
		c.noFollowRedirects = true
		return nil
	}
}

// WithLogger injects a custom [slog.Logger] into the [Client].
func WithLogger(logger *slog.Logger) Option {
	return func(c *options) error {
		c.logger = logger
		return nil
	}
}

// WithBaseURL sets the backend origin. It is used by [Client.Endpoint] and to
// reach the refresh endpoint. Without it the refresh endpoint is resolved
// against the origin of the request that got the 401.
func WithBaseURL(raw string) Option {
	return func(c *options) error {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parsing base url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("base url %q must be absolute", raw)
		}
		c.baseURL = u
		return nil
	}
}

// WithSession shares an existing [session.Session]. By default each Client
// starts its own in-memory session.
func WithSession(sess *session.Session) Option {
	return func(c *options) error {
		if sess == nil {
			return errors.New("session must not be nil")
		}
		c.session = sess
		return nil
	}
}

// WithCookieJar sets the jar that carries credentials and the CSRF cookie.
// Defaults to the jar of the [http.Client], or a new [cookiejar.Jar].
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *options) error {
		if jar == nil {
			return errors.New("cookie jar must not be nil")
		}
		c.jar = jar
		return nil
	}
}

// WithSink sets where toasts, redirects and reloads are delivered.
// Defaults to a [notify.LogSink].
func WithSink(sink notify.Sink) Option {
	return func(c *options) error {
		if sink == nil {
			return errors.New("sink must not be nil")
		}
		c.sink = sink
		return nil
	}
}

// WithTracerProvider enables spans around each [Client.Do].
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *options) error {
		if tp == nil {
			return errors.New("tracer provider must not be nil")
		}
		c.tracerProvider = tp
		return nil
	}
}

// WithMeterProvider enables server error and refresh counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *options) error {
		if mp == nil {
			return errors.New("meter provider must not be nil")
		}
		c.meterProvider = mp
		return nil
	}
}

// WithStrictValidation makes [WithValidation] fail on payload mismatches
// instead of logging them. Meant for development and tests.
func WithStrictValidation(strict bool) Option {
	return func(c *options) error {
		c.strict = strict
		return nil
	}
}

// WithHeaderOptions configures the header injector, e.g. its cookie and
// header names.
func WithHeaderOptions(opts ...headers.Option) Option {
	return func(c *options) error {
		c.headerOpts = append(c.headerOpts, opts...)
		return nil
	}
}

// WithRefreshPath sets the session refresh endpoint.
func WithRefreshPath(path string) Option {
	return func(c *options) error {
		c.authOpts = append(c.authOpts, authrefresh.WithRefreshPath(path))
		return nil
	}
}

// WithExcludedPaths lists endpoints whose 401s never trigger a refresh.
func WithExcludedPaths(paths ...string) Option {
	return func(c *options) error {
		c.authOpts = append(c.authOpts, authrefresh.WithExcludedPaths(paths...))
		return nil
	}
}

// WithPublicPages lists pages of the host on which 401s are not recovered.
func WithPublicPages(pages ...string) Option {
	return func(c *options) error {
		c.authOpts = append(c.authOpts, authrefresh.WithPublicPages(pages...))
		return nil
	}
}

// WithLoginPath sets the login view the user is redirected to.
func WithLoginPath(path string) Option {
	return func(c *options) error {
		c.authOpts = append(c.authOpts, authrefresh.WithLoginPath(path))
		return nil
	}
}

// WithLocation supplies the page the user is currently on.
func WithLocation(fn func() string) Option {
	return func(c *options) error {
		c.authOpts = append(c.authOpts, authrefresh.WithLocation(fn))
		return nil
	}
}

// userAgent is an http.RoundTripper, enabling the persistent User-Agent header.
type userAgent struct {
	value string
	base  http.RoundTripper
}

func (ua userAgent) RoundTrip(r *http.Request) (*http.Response, error) {
	cpy := r.Clone(r.Context())
	cpy.Header.Set("User-Agent", ua.value)
	return ua.base.RoundTrip(cpy)
}

// DoOption is a functional option for [Client.Do].
type DoOption func(options *doOpts) error

type doOpts struct {
	responseBody any
	useJSONNum   bool
	validate     bool
}

// WithDestination decodes the HTTP response body into bodyTemplate.
// bodyTemplate must be a pointer.
func WithDestination[T any](bodyTemplate *T) DoOption {
	return func(opts *doOpts) error {
		opts.responseBody = bodyTemplate

		return nil
	}
}

// WithJSONNumb tells the JSON decoder to use [json.Decoder.UseNumber],
// preserving number precision as [json.Number] instead of float64.
func WithJSONNumb() DoOption {
	return func(opts *doOpts) error {
		opts.useJSONNum = true

		return nil
	}
}

// WithValidation checks the decoded destination against its `validate` tags.
// Mismatches are logged unless the Client was built with
// [WithStrictValidation], in which case Do returns a [*validate.Error].
func WithValidation() DoOption {
	return func(opts *doOpts) error {
		opts.validate = true

		return nil
	}
}

// RequestOption is a functional option for [Request].
type RequestOption func(options *requestOpts) error

type requestOpts struct {
	body        any
	contentType *string
	cookies     []*http.Cookie
	headers     map[string][]string
}

// WithPayload sets the JSON-encoded request body.
func WithPayload(body any) RequestOption {
	return func(opts *requestOpts) error {
		opts.body = body

		return nil
	}
}

// WithContentType overrides the default "application/json" Content-Type header.
func WithContentType(contentType string) RequestOption {
	return func(opts *requestOpts) error {
		if contentType == "" {
			return errors.New("cannot use empty content type")
		}

		opts.contentType = &contentType

		return nil
	}
}

// WithHeaders adds custom headers to the outgoing request.
func WithHeaders(headers map[string][]string) RequestOption {
	return func(opts *requestOpts) error {
		opts.headers = headers

		return nil
	}
}

// WithCookies attaches the given cookies to the outgoing request.
func WithCookies(cookies ...*http.Cookie) RequestOption {
	return func(opts *requestOpts) error {
		opts.cookies = cookies

		return nil
	}
}

// URLOption is a functional option for [URL].
type URLOption func(options *urlOpts)

type urlOpts struct {
	queryStrings map[string]string
	port         *int
}

// WithQueryStrings appends query parameters to the URL.
func WithQueryStrings(queryKV map[string]string) URLOption {
	return func(opts *urlOpts) {
		opts.queryStrings = queryKV
	}
}

// WithPort sets the port number on the URL's host.
func WithPort(port int) URLOption {
	return func(opts *urlOpts) {
		opts.port = &port
	}
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/adamwoolhether/httpguard/authrefresh"
	"github.com/adamwoolhether/httpguard/client/throttle"
	"github.com/adamwoolhether/httpguard/csrf"
	"github.com/adamwoolhether/httpguard/headers"
	"github.com/adamwoolhether/httpguard/notify"
	"github.com/adamwoolhether/httpguard/problem"
	"github.com/adamwoolhether/httpguard/session"
	"github.com/adamwoolhether/httpguard/validate"
)

const instrumentationName = "github.com/adamwoolhether/httpguard/client"

// Client wraps the std-lib *http.Client
// It sets a default *http.Client and *http.Transport, which
// can be customized via optional funcs.
type Client struct {
	c      *http.Client
	logger *slog.Logger
	now    func() time.Time

	baseURL   *url.URL
	sess      *session.Session
	sink      notify.Sink
	auth      *authrefresh.Coordinator
	csrf      *csrf.Handler
	validator *validate.Validator

	tracer       trace.Tracer
	serverErrors metric.Int64Counter
}

// Build returns a Client configured by optFns. The transport chain is the
// base transport, then the user agent, the throttle and the header injector.
func Build(optFns ...Option) (*Client, error) {
	client := &Client{
		c:      &http.Client{},
		logger: slog.Default(),
		now:    time.Now,
	}

	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying client option: %w", err)
		}
	}

	if opts.client != nil {
		client.c = opts.client
	}

	if opts.logger != nil {
		client.logger = opts.logger
	}

	if opts.timeout != nil {
		client.c.Timeout = *opts.timeout
	}

	if opts.noFollowRedirects {
		client.c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	switch {
	case opts.jar != nil:
		client.c.Jar = opts.jar
	case client.c.Jar == nil:
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		client.c.Jar = jar
	}

	client.baseURL = opts.baseURL

	client.sess = opts.session
	if client.sess == nil {
		sess, err := session.New()
		if err != nil {
			return nil, fmt.Errorf("starting session: %w", err)
		}
		client.sess = sess
	}

	client.sink = opts.sink
	if client.sink == nil {
		client.sink = notify.LogSink{Logger: client.logger}
	}

	var transport http.RoundTripper
	switch {
	case opts.rt != nil:
		transport = opts.rt
	case opts.client != nil && opts.client.Transport != nil:
		transport = opts.client.Transport
	default:
		transport = http.DefaultTransport
	}
	if opts.userAgent != "" {
		transport = userAgent{value: opts.userAgent, base: transport}
	}
	if opts.throttle != nil {
		rt, err := throttle.NewRoundTripper(opts.throttle.RPS, opts.throttle.Burst, func() *slog.Logger { return client.logger }, transport,
			throttle.WithMaxPause(opts.throttle.MaxPause),
		)
		if err != nil {
			return nil, fmt.Errorf("configuring throttle: %w", err)
		}
		transport = rt
	}
	injector, err := headers.NewRoundTripper(client.sess, client.c.Jar, transport, opts.headerOpts...)
	if err != nil {
		return nil, fmt.Errorf("configuring header injector: %w", err)
	}
	client.c.Transport = injector

	client.tracer = noop.NewTracerProvider().Tracer(instrumentationName)
	if opts.tracerProvider != nil {
		client.tracer = opts.tracerProvider.Tracer(instrumentationName)
	}

	var mp metric.MeterProvider = metricnoop.NewMeterProvider()
	if opts.meterProvider != nil {
		mp = opts.meterProvider
	}
	meter := mp.Meter(instrumentationName)

	client.serverErrors, err = meter.Int64Counter("httpguard.server_errors",
		metric.WithDescription("Responses with a 5xx status reported to the user."),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating server error counter: %w", err)
	}

	client.csrf = csrf.New(client.sink, csrf.WithLogger(client.logger))

	client.validator = validate.New(validate.WithStrict(opts.strict), validate.WithLogger(client.logger))

	authOpts := []authrefresh.Option{
		authrefresh.WithSink(client.sink),
		authrefresh.WithLogger(client.logger),
		authrefresh.WithMeter(meter),
	}
	client.auth, err = authrefresh.New(client.refreshSession, client.sess, append(authOpts, opts.authOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("configuring auth refresh: %w", err)
	}

	return client, nil
}

// Session returns the session whose credentials and ids ride every request.
func (c *Client) Session() *session.Session {
	return c.sess
}

// OnCSRFFailure registers fn to run whenever a request is rejected for a
// stale CSRF token, before the host is asked to reload.
func (c *Client) OnCSRFFailure(fn func(csrf.Event)) (cancel func()) {
	return c.csrf.Subscribe(fn)
}

// Do will fire the request, and write response to the given dest object if any.
//
// A 401 is recovered by refreshing the session and sending the request once
// more. A 403 for a stale CSRF token asks the host to reload and fails with
// [csrf.ErrTokenInvalid]. Any other unexpected status is returned as an
// [*UnexpectedStatusError] carrying the classified [*problem.Problem].
func (c *Client) Do(req *http.Request, expCode int, opts ...DoOption) error {
	var settings doOpts
	for _, opt := range opts {
		err := opt(&settings)
		if err != nil {
			return err
		}
	}

	ctx, span := c.tracer.Start(req.Context(), "client.Do", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.URL.Path),
	)

	req = req.Clone(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	doFunc := func(resp *http.Response) error {
		if settings.responseBody != nil {
			d := json.NewDecoder(resp.Body)

			if settings.useJSONNum {
				d.UseNumber()
			}

			if err := d.Decode(settings.responseBody); err != nil {
				return fmt.Errorf("decoding body: %w", err)
			}

			if settings.validate {
				if err := c.validator.Validate(ctx, settings.responseBody); err != nil {
					return fmt.Errorf("validating body: %w", err)
				}
			}
		}

		return nil
	}

	seen := c.auth.Generation()

	err := c.exec(req, expCode, doFunc)
	if err != nil {
		err = c.handleStatus(ctx, req, expCode, seen, err, doFunc)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if p := problem.Classify(err); p != nil {
			span.SetAttributes(
				attribute.Int("http.response.status_code", p.Status),
				attribute.String("problem.code", string(p.Code)),
			)
		}
	}

	return err
}

// handleStatus reacts to a failed exchange. A 401 is sent again once after a
// session refresh; the outcome of that retry is still checked for a CSRF
// rejection but never refreshes again.
func (c *Client) handleStatus(ctx context.Context, req *http.Request, expCode int, seen uint64, err error, fn execFn) error {
	se, ok := errors.AsType[*UnexpectedStatusError](err)
	if !ok {
		return err
	}

	if se.StatusCode == http.StatusUnauthorized {
		if rerr := c.auth.Recover(withOrigin(ctx, req.URL), req.URL.Path, seen, err); rerr != nil {
			return rerr
		}

		retry, rerr := rewind(req)
		if rerr != nil {
			return fmt.Errorf("%w: %w", rerr, err)
		}

		c.logger.DebugContext(ctx, "retrying after session refresh", "method", req.Method, "path", req.URL.Path)

		err = c.exec(retry, expCode, fn)
		if se, ok = errors.AsType[*UnexpectedStatusError](err); !ok {
			return err
		}
	}

	if csrf.Matches(se.Problem) {
		c.csrf.Handle(ctx, req.URL.Path, se.Problem)
		return fmt.Errorf("%w: %w", csrf.ErrTokenInvalid, err)
	}

	return err
}

// rewind returns a copy of req that can be sent again.
func rewind(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}

	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replaying request body: %w", err)
	}
	retry.Body = body

	return retry, nil
}

// Request instantiates an *http.Request with the provided information.
// It's just a convenience method that wraps the public Request func.
func (c *Client) Request(ctx context.Context, reqURL *url.URL, method string, opts ...RequestOption) (*http.Request, error) {
	return Request(ctx, reqURL, method, opts...)
}

// URL creates a url.URL for use in Request.
// It's just a convenience method that wraps the public URL func.
func (c *Client) URL(scheme, host, path string, opts ...URLOption) *url.URL {
	return URL(scheme, host, path, opts...)
}

// Endpoint creates a url.URL for path under the base URL set with
// [WithBaseURL].
func (c *Client) Endpoint(path string, opts ...URLOption) (*url.URL, error) {
	if c.baseURL == nil {
		return nil, errors.New("client has no base url")
	}

	u := c.baseURL.JoinPath(path)

	var settings urlOpts
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.queryStrings != nil {
		q := u.Query()
		for k, v := range settings.queryStrings {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	return u, nil
}

// exec runs the request and injected function on success after validating the expected status code.
func (c *Client) exec(req *http.Request, expCode int, fn execFn) error {
	resp, err := c.c.Do(req)
	if err != nil {
		return fmt.Errorf("exec http do: %w", err)
	}

	discardBody := true
	defer func() {
		if discardBody {
			if _, err = io.Copy(io.Discard, resp.Body); err != nil {
				c.logger.Error("failed to discard unused body", "error", err)
			}
		}
		if err = resp.Body.Close(); err != nil {
			c.logger.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != expCode {
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBodySize+1))
		if err != nil {
			b = []byte("unable to read body")
		}
		if len(b) > maxErrBodySize {
			b = b[:maxErrBodySize]
			c.logger.DebugContext(req.Context(), "error body truncated", "status", resp.StatusCode, "path", req.URL.Path, "limit", maxErrBodySize)
		}

		return &UnexpectedStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(b),
			Err:        statusErr(resp.StatusCode),
			Problem:    problem.Parse(resp.StatusCode, b, c.now()),
		}
	}

	if err := fn(resp); err != nil {
		discardBody = false
		return fmt.Errorf("exec fn: %w", err)
	}

	return nil
}

// Request instantiates an *http.Request with the provided information.
// Content-Type defaults to `application/json` if unspecified via WithContentType.
func Request(ctx context.Context, reqURL *url.URL, method string, opts ...RequestOption) (*http.Request, error) {
	var settings requestOpts
	for _, opt := range opts {
		err := opt(&settings)
		if err != nil {
			return nil, err
		}
	}

	var payload bytes.Buffer
	if settings.body != nil {
		if err := json.NewEncoder(&payload).Encode(settings.body); err != nil {
			return nil, fmt.Errorf("encoding request payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), &payload)
	if err != nil {
		return nil, fmt.Errorf("instantiating request: %w", err)
	}

	for _, cookie := range settings.cookies {
		req.AddCookie(cookie)
	}

	var contentType string
	if settings.contentType == nil {
		contentType = "application/json"
	} else {
		contentType = *settings.contentType
	}

	req.Header.Set("Content-Type", contentType)
	for k, v := range settings.headers {
		for _, element := range v {
			req.Header.Add(k, element)
		}
	}

	return req, nil
}

// URL creates a url.URL for use in Request.
func URL(scheme, host, path string, opts ...URLOption) *url.URL {
	var settings urlOpts
	for _, opt := range opts {
		opt(&settings)
	}

	if settings.port != nil {
		host = fmt.Sprintf("%s:%d", host, *settings.port)
	}

	endpoint := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   path,
	}

	if settings.queryStrings != nil {
		queryParams := url.Values{}
		for k, v := range settings.queryStrings {
			queryParams.Add(k, v)
		}

		endpoint.RawQuery = queryParams.Encode()
	}

	return &endpoint
}

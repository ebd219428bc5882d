package throttle

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrMustNotBeZero = errors.New("must be greater than zero")
	ErrWaitingFailed = errors.New("limiter waiting failed")
	ErrContextEnded  = errors.New("throttle context ended")
)

// DefaultMaxPause caps how long a single Retry-After can hold requests back.
const DefaultMaxPause = time.Minute

// Config defines the throttler's
// Requests Per Second and Burst Rate
type Config struct {
	RPS      int
	Burst    int
	MaxPause time.Duration
}

// Option configures the throttle.
type Option func(*throttle)

// WithMaxPause caps the pause taken after a 429 response.
// A zero or negative d disables pausing.
func WithMaxPause(d time.Duration) Option {
	return func(t *throttle) {
		t.maxPause = d
	}
}

// throttle is an http.RoundTripper, using the time/rate token
// bucket limiter to restrict outbound calls. After a 429 carrying
// Retry-After it holds every request until that time has passed.
type throttle struct {
	limiter  *rate.Limiter
	rps      int
	burst    int
	maxPause time.Duration
	next     http.RoundTripper
	logFn    func() *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewRoundTripper returns an http.RoundTripper that throttles outbound requests
// using a token bucket rate limiter. logFn lazily resolves the logger at request
// time, making option ordering irrelevant. A nil-returning logFn skips the calls
// to *Limiter.Allow().
func NewRoundTripper(rps, burst int, logFn func() *slog.Logger, next http.RoundTripper, opts ...Option) (http.RoundTripper, error) {
	if rps <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, ErrMustNotBeZero)
	}

	t := &throttle{
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		rps:      rps,
		burst:    burst,
		maxPause: DefaultMaxPause,
		next:     next,
		logFn:    logFn,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func (t *throttle) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w early: %w", ErrContextEnded, err)
	}

	logger := t.logFn()

	if pause := t.pause(); pause > 0 {
		if logger != nil {
			logger.Info("throttle paused by retry-after", "pause", pause.String(), "path", r.URL.Path)
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrWaitingFailed, ctx.Err())
		case <-timer.C:
		}
	}

	var waited time.Duration
	if logger != nil && !t.limiter.Allow() {
		logger.Info("throttle tokens exhausted", "rate", t.rps, "burst", t.burst, "path", r.URL.Path)

		defer func() {
			logger.Info("throttle wait complete", "waited", waited.String(), "rate", t.rps, "burst", t.burst)
		}()
	}

	start := time.Now()

	err := t.limiter.Wait(ctx)
	waited = time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWaitingFailed, err)
	}

	if err := ctx.Err(); err != nil { // Check context hasn't expired again.
		return nil, fmt.Errorf("%w post-wait: %w", ErrContextEnded, err)
	}

	resp, err := t.next.RoundTrip(r)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		t.hold(resp.Header, logger)
	}

	return resp, nil
}

// pause returns how long requests must still be held back.
func (t *throttle) pause() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.pausedUntil.Sub(t.now())
}

func (t *throttle) hold(h http.Header, logger *slog.Logger) {
	if t.maxPause <= 0 {
		return
	}

	now := t.now()
	d, ok := RetryAfter(h, now)
	if !ok {
		return
	}
	d = min(d, t.maxPause)

	t.mu.Lock()
	if until := now.Add(d); until.After(t.pausedUntil) {
		t.pausedUntil = until
	}
	t.mu.Unlock()

	if logger != nil {
		logger.Warn("server asked to slow down", "retry_after", d.String())
	}
}

// RetryAfter parses the Retry-After header, given either in seconds or as an
// HTTP date, into a wait relative to now.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}

	at, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}

	return max(at.Sub(now), 0), true
}

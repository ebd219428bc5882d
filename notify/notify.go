// Package notify defines the sink through which the resilience layer talks
// to the host application: user-facing toasts, navigation to another view,
// and full page reloads.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Level is the severity of a toast.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Toast is a short user-facing notification.
type Toast struct {
	Level   Level
	Message string
}

// Sink receives events from the resilience layer. Implementations must be
// safe for concurrent use and must not block.
type Sink interface {
	Toast(ctx context.Context, t Toast)
	Redirect(ctx context.Context, to string)
	Reload(ctx context.Context)
}

// LogSink writes every event to a logger. It is the default when the host
// supplies no sink, e.g. in headless tools.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s LogSink) Toast(ctx context.Context, t Toast) {
	level := slog.LevelInfo
	switch t.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}

	s.logger().Log(ctx, level, "toast", "message", t.Message)
}

func (s LogSink) Redirect(ctx context.Context, to string) {
	s.logger().InfoContext(ctx, "redirect", "to", to)
}

func (s LogSink) Reload(ctx context.Context) {
	s.logger().InfoContext(ctx, "reload")
}

// Recorder is a Sink that remembers what it was sent.
type Recorder struct {
	mu        sync.Mutex
	toasts    []Toast
	redirects []string
	reloads   int
}

func (r *Recorder) Toast(_ context.Context, t Toast) {
	r.mu.Lock()
	r.toasts = append(r.toasts, t)
	r.mu.Unlock()
}

func (r *Recorder) Redirect(_ context.Context, to string) {
	r.mu.Lock()
	r.redirects = append(r.redirects, to)
	r.mu.Unlock()
}

func (r *Recorder) Reload(context.Context) {
	r.mu.Lock()
	r.reloads++
	r.mu.Unlock()
}

// Toasts returns a copy of the recorded toasts.
func (r *Recorder) Toasts() []Toast {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Toast(nil), r.toasts...)
}

// Redirects returns a copy of the recorded redirect targets.
func (r *Recorder) Redirects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.redirects...)
}

// Reloads returns how many reloads were requested.
func (r *Recorder) Reloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.reloads
}

var (
	_ Sink = LogSink{}
	_ Sink = (*Recorder)(nil)
)

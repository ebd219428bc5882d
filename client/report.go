package client

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/httpguard/notify"
	"github.com/adamwoolhether/httpguard/problem"
)

// Report shows err to the user as a toast. Server errors are also recorded
// on the span in ctx, counted, and logged. Cancellations are ignored.
func (c *Client) Report(ctx context.Context, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	p := problem.Classify(err)

	level := notify.LevelError
	switch p.Category() {
	case problem.CategoryValidation, problem.CategoryBusiness, problem.CategoryResource:
		level = notify.LevelWarning
	}

	c.sink.Toast(ctx, notify.Toast{Level: level, Message: problem.Message(err)})

	if !p.IsServerError() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("http.response.status_code", p.Status),
		attribute.String("problem.code", string(p.Code)),
		attribute.String("problem.trace_id", p.TraceID),
	}

	trace.SpanFromContext(ctx).RecordError(err, trace.WithAttributes(attrs...))
	c.serverErrors.Add(ctx, 1, metric.WithAttributes(attrs[:2]...))

	c.logger.ErrorContext(ctx, "server error",
		"status", p.Status,
		"code", p.Code,
		"trace_id", p.TraceID,
		"detail", p.Detail,
	)
}

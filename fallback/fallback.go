// Package fallback keeps callers working against a partially implemented
// backend by substituting a default value for selected classified failures.
//
//	stats, err := fallback.Do(ctx, loadCallStats, CallStats{})
//
// Only failures that carry a response are ever absorbed; network errors and
// cancellations always reach the caller.
package fallback

import (
	"context"
	"net/http"
	"slices"

	"github.com/adamwoolhether/httpguard/problem"
)

// Op is the operation being guarded.
type Op[T any] func(ctx context.Context) (T, error)

var (
	// Statuses absorbed by Do: the endpoint is missing or broken.
	Statuses = []int{http.StatusNotFound, http.StatusInternalServerError}

	// AuthStatuses absorbed by DoAuth, for optional feature-flagged endpoints.
	AuthStatuses = []int{http.StatusUnauthorized, http.StatusNotFound}
)

// Do runs op and returns def instead of the error when op fails with a
// classified 404 or 500.
func Do[T any](ctx context.Context, op Op[T], def T) (T, error) {
	return DoStatuses(ctx, op, def, Statuses...)
}

// DoAuth is Do for optional endpoints, absorbing classified 401 and 404.
func DoAuth[T any](ctx context.Context, op Op[T], def T) (T, error) {
	return DoStatuses(ctx, op, def, AuthStatuses...)
}

// DoStatuses runs op and returns def when op fails with a classified error
// whose status is one of statuses. Any other error is returned unchanged.
func DoStatuses[T any](ctx context.Context, op Op[T], def T, statuses ...int) (T, error) {
	v, err := op(ctx)
	if err == nil {
		return v, nil
	}

	if p := problem.Classify(err); p != nil && slices.Contains(statuses, p.Status) {
		return def, nil
	}

	return v, err
}

package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/adamwoolhether/httpguard/problem"
)

// maxErrBodySize caps the amount of response body read when
// building an error for an unexpected status code. This prevents
// unbounded memory usage when a large response arrives with a
// wrong status. It is sized to fit a problem document with field errors.
const maxErrBodySize = 64 << 10 // 64KB

// execFn represents a func to operate on a response.
type execFn func(response *http.Response) error

var (
	// ErrUnexpectedStatusCode is the sentinel error wrapped by [UnexpectedStatusError].
	ErrUnexpectedStatusCode = errors.New("unexpected status code")
	// ErrAuthFailure is joined with [ErrUnexpectedStatusCode] when the server
	// responds with 401 Unauthorized or 403 Forbidden.
	ErrAuthFailure = errors.New("auth failure")
)

// UnexpectedStatusError is returned when the HTTP response status code
// does not match the expected value. Problem holds the classified response
// body and is reachable with errors.As.
type UnexpectedStatusError struct {
	StatusCode int
	Body       string
	Err        error
	Problem    *problem.Problem
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("%v: %d, body: %s", e.Err, e.StatusCode, e.Body)
}

func (e *UnexpectedStatusError) Unwrap() []error {
	if e.Problem == nil {
		return []error{e.Err}
	}

	return []error{e.Err, e.Problem}
}

func statusErr(code int) error {
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return errors.Join(ErrUnexpectedStatusCode, ErrAuthFailure)
	}

	return ErrUnexpectedStatusCode
}

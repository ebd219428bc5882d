// Package problem normalizes failed HTTP exchanges into RFC 7807 style
// problem details.
//
// The backend speaks two error dialects. Structured payloads carry a code
// from the closed taxonomy in codes.go along with a trace id and detail, and
// are passed through as-is. Anything else is a legacy payload, and a Problem
// is synthesized from whatever detail, error or message field it carries.
//
// Classification never panics. A failure that produced no response (network
// error, timeout, cancellation) classifies as nil so callers can tell "no
// classification possible" apart from a business error.
package problem

import (
	"fmt"
	"net/http"
	"time"
)

// FieldError describes a single offending input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// Problem is the normalized record every classified failure is converted into.
type Problem struct {
	Type       string       `json:"type"`
	Title      string       `json:"title"`
	Status     int          `json:"status"`
	Detail     string       `json:"detail"`
	Code       Code         `json:"code"`
	Timestamp  time.Time    `json:"timestamp"`
	TraceID    string       `json:"trace_id"`
	Instance   string       `json:"instance,omitempty"`
	Errors     []FieldError `json:"errors,omitempty"`
	HelpURL    string       `json:"help_url,omitempty"`
	RetryAfter *int         `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (p *Problem) Error() string {
	if p == nil {
		return "<nil>"
	}

	return fmt.Sprintf("%s (%d): %s", p.Code, p.Status, p.Detail)
}

// Is matches the category sentinels, so errors.Is(err, problem.ErrAuth)
// works anywhere a *Problem sits in the chain.
func (p *Problem) Is(target error) bool {
	if p == nil {
		return false
	}

	return categorySentinels[p.Category()] == target
}

// Legacy reports whether p was synthesized from a pre-taxonomy payload.
func (p *Problem) Legacy() bool {
	return p != nil && p.Code == CodeUnknown
}

// Category returns the family of p. Legacy payloads have no code, so they
// are grouped by status instead.
func (p *Problem) Category() Category {
	if p == nil {
		return CategoryNetwork
	}

	if p.Code.Known() {
		return p.Code.Category()
	}

	switch {
	case p.Status == http.StatusUnauthorized, p.Status == http.StatusForbidden:
		return CategoryAuth
	case p.Status == http.StatusBadRequest, p.Status == http.StatusUnprocessableEntity:
		return CategoryValidation
	case p.Status == http.StatusNotFound, p.Status == http.StatusConflict:
		return CategoryResource
	case p.Status == http.StatusTooManyRequests:
		return CategoryBusiness
	case p.Status == http.StatusBadGateway, p.Status == http.StatusGatewayTimeout:
		return CategoryExternal
	case p.Status >= http.StatusInternalServerError:
		return CategoryServer
	}

	return CategoryUnknown
}

// IsServerError reports whether p should be reported to the observability sink.
func (p *Problem) IsServerError() bool {
	return p != nil && p.Status >= http.StatusInternalServerError
}

// IsRetryable reports whether repeating the same request later may succeed.
func (p *Problem) IsRetryable() bool {
	if p == nil {
		return true
	}

	switch p.Code {
	case CodeQuotaExceeded, CodeUnavailable, CodeExternalService:
		return true
	}

	switch p.Status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}

	return false
}

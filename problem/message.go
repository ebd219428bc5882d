package problem

import (
	"fmt"
	"strings"
)

const (
	defaultRetryAfter = 60

	msgUnauthorized   = "Please log in to continue"
	msgForbidden      = "You don't have permission to perform this action"
	msgSessionExpired = "Your session has expired. Please log in again"
	msgCSRFInvalid    = "Security token expired. Please refresh the page"
	msgInternal       = "An unexpected server error occurred. Please try again later"
	msgUnavailable    = "The service is temporarily unavailable. Please try again later"
	msgExternal       = "An external service is currently unavailable. Please try again later"
	msgGeneric        = "An unexpected error occurred"
)

// UserMessage renders p as a message safe to show in a toast.
func (p *Problem) UserMessage() string {
	if p == nil {
		return msgGeneric
	}

	switch p.Code {
	case CodeUnauthorized:
		return msgUnauthorized
	case CodeForbidden:
		return msgForbidden
	case CodeSessionExpired:
		return msgSessionExpired
	case CodeCSRFInvalid:
		return msgCSRFInvalid
	case CodeValidation, CodeInvalidFormat, CodeMissingField:
		if msg := joinFieldMessages(p.Errors); msg != "" {
			return msg
		}
		return p.Detail
	case CodeQuotaExceeded:
		wait := defaultRetryAfter
		if p.RetryAfter != nil {
			wait = *p.RetryAfter
		}
		return fmt.Sprintf("Rate limit exceeded. Please wait %d seconds.", wait)
	case CodeInternal:
		return msgInternal
	case CodeUnavailable:
		return msgUnavailable
	case CodeExternalService:
		return msgExternal
	}

	return p.Detail
}

func joinFieldMessages(fields []FieldError) string {
	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Message != "" {
			msgs = append(msgs, f.Message)
		}
	}

	return strings.Join(msgs, ". ")
}

// Message renders any error for display. Classified errors use
// Problem.UserMessage; anything else falls back to its own text.
func Message(err error) string {
	if err == nil {
		return msgGeneric
	}

	if p := Classify(err); p != nil {
		return p.UserMessage()
	}

	if msg := err.Error(); msg != "" {
		return msg
	}

	return msgGeneric
}

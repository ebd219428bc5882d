package problem_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/adamwoolhether/httpguard/problem"
)

func intPtr(i int) *int { return &i }

func TestUserMessage(t *testing.T) {
	testCases := []struct {
		name string
		p    *problem.Problem
		exp  string
	}{
		{
			name: "unauthorized",
			p:    &problem.Problem{Status: 401, Code: problem.CodeUnauthorized, Detail: "no token"},
			exp:  "Please log in to continue",
		},
		{
			name: "forbidden",
			p:    &problem.Problem{Status: 403, Code: problem.CodeForbidden},
			exp:  "You don't have permission to perform this action",
		},
		{
			name: "session expired",
			p:    &problem.Problem{Status: 401, Code: problem.CodeSessionExpired},
			exp:  "Your session has expired. Please log in again",
		},
		{
			name: "csrf",
			p:    &problem.Problem{Status: 403, Code: problem.CodeCSRFInvalid},
			exp:  "Security token expired. Please refresh the page",
		},
		{
			name: "validation joins field messages in order",
			p: &problem.Problem{
				Status: 422,
				Code:   problem.CodeValidation,
				Detail: "Invalid input",
				Errors: []problem.FieldError{{Message: "Required"}, {Message: "Too short"}},
			},
			exp: "Required. Too short",
		},
		{
			name: "missing field without errors uses detail",
			p:    &problem.Problem{Status: 422, Code: problem.CodeMissingField, Detail: "email is required"},
			exp:  "email is required",
		},
		{
			name: "quota with retry after",
			p:    &problem.Problem{Status: 429, Code: problem.CodeQuotaExceeded, RetryAfter: intPtr(45)},
			exp:  "Rate limit exceeded. Please wait 45 seconds.",
		},
		{
			name: "quota defaults to sixty seconds",
			p:    &problem.Problem{Status: 429, Code: problem.CodeQuotaExceeded},
			exp:  "Rate limit exceeded. Please wait 60 seconds.",
		},
		{
			name: "internal",
			p:    &problem.Problem{Status: 500, Code: problem.CodeInternal, Detail: "nil pointer"},
			exp:  "An unexpected server error occurred. Please try again later",
		},
		{
			name: "unavailable",
			p:    &problem.Problem{Status: 503, Code: problem.CodeUnavailable},
			exp:  "The service is temporarily unavailable. Please try again later",
		},
		{
			name: "external",
			p:    &problem.Problem{Status: 502, Code: problem.CodeExternalService},
			exp:  "An external service is currently unavailable. Please try again later",
		},
		{
			name: "not found falls back to detail",
			p:    &problem.Problem{Status: 404, Code: problem.CodeNotFound, Detail: "Invoice 7 not found"},
			exp:  "Invoice 7 not found",
		},
		{
			name: "legacy uses detail",
			p:    problem.Parse(http.StatusBadRequest, []byte(`{"error":"bad date"}`), now),
			exp:  "bad date",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.UserMessage(); got != tc.exp {
				t.Errorf("UserMessage() = %q, want %q", got, tc.exp)
			}
		})
	}
}

func TestUserMessage_ValidationScenario(t *testing.T) {
	body := `{"code":"VAL_001","trace_id":"t","detail":"Invalid","errors":[{"message":"Required"},{"message":"Too short"}]}`
	p := problem.Parse(http.StatusUnprocessableEntity, []byte(body), now)

	if got, exp := p.UserMessage(), "Required. Too short"; got != exp {
		t.Fatalf("UserMessage() = %q, want %q", got, exp)
	}
}

func TestUserMessage_ValidationRecord(t *testing.T) {
	p := problem.Problem{
		Code:   problem.CodeValidation,
		Errors: []problem.FieldError{{Message: "Required"}, {Message: "Too short"}},
	}

	if got, exp := p.UserMessage(), "Required. Too short"; got != exp {
		t.Fatalf("UserMessage() = %q, want %q", got, exp)
	}
}

func TestMessage(t *testing.T) {
	p := &problem.Problem{Status: 401, Code: problem.CodeUnauthorized}

	testCases := []struct {
		name string
		err  error
		exp  string
	}{
		{"nil", nil, "An unexpected error occurred"},
		{"plain error", errors.New("dial tcp: connection refused"), "dial tcp: connection refused"},
		{"empty error text", errors.New(""), "An unexpected error occurred"},
		{"wrapped problem", fmt.Errorf("loading: %w", p), "Please log in to continue"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := problem.Message(tc.err); got != tc.exp {
				t.Errorf("Message() = %q, want %q", got, tc.exp)
			}
		})
	}
}

package problem

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// LegacyTraceID is stamped on problems synthesized from legacy payloads.
	LegacyTraceID = "legacy"

	defaultDetail = "An error occurred"
	defaultType   = "about:blank"
)

var legacyTitles = map[int]string{
	http.StatusBadRequest:          "Bad Request",
	http.StatusUnauthorized:        "Unauthorized",
	http.StatusForbidden:           "Forbidden",
	http.StatusNotFound:            "Not Found",
	http.StatusConflict:            "Conflict",
	http.StatusUnprocessableEntity: "Unprocessable Entity",
	http.StatusTooManyRequests:     "Too Many Requests",
	http.StatusInternalServerError: "Server Error",
	http.StatusBadGateway:          "Bad Gateway",
	http.StatusServiceUnavailable:  "Service Unavailable",
	http.StatusGatewayTimeout:      "Gateway Timeout",
}

// Title returns the static title used for legacy payloads with the given status.
func Title(status int) string {
	if t, ok := legacyTitles[status]; ok {
		return t
	}

	return "Error"
}

// wireProblem holds the fields read from an error body. Pointer fields
// distinguish an absent key from an empty one, which is what the
// structured discriminator needs.
type wireProblem struct {
	Type         string
	Title        string
	Detail       *string
	Code         *string
	Timestamp    time.Time
	TraceID      *string
	TraceIDCamel *string
	Instance     string
	Errors       []FieldError
	HelpURL      string
	RetryAfter   *int
}

// decodeWire reads body key by key. A field of an unexpected type is
// dropped; it never demotes the whole payload to legacy. The body's own
// status is ignored since the transport status always wins.
func decodeWire(body []byte) (wireProblem, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return wireProblem{}, false
	}

	str := func(key string) *string {
		var s *string
		if v, ok := raw[key]; ok && json.Unmarshal(v, &s) == nil {
			return s
		}
		return nil
	}
	val := func(key string) string {
		if s := str(key); s != nil {
			return *s
		}
		return ""
	}

	w := wireProblem{
		Type:         val("type"),
		Title:        val("title"),
		Detail:       str("detail"),
		Code:         str("code"),
		TraceID:      str("trace_id"),
		TraceIDCamel: str("traceId"),
		Instance:     val("instance"),
		HelpURL:      val("help_url"),
		Timestamp:    timestamp(raw["timestamp"]),
		RetryAfter:   seconds(raw["retry_after"]),
		Errors:       fieldErrors(raw["errors"]),
	}

	return w, true
}

func absent(v json.RawMessage) bool {
	return v == nil || strings.TrimSpace(string(v)) == "null"
}

// timestamp accepts RFC 3339 text or epoch seconds.
func timestamp(v json.RawMessage) time.Time {
	if absent(v) {
		return time.Time{}
	}

	var s string
	if json.Unmarshal(v, &s) == nil {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		return time.Time{}
	}

	var epoch float64
	if json.Unmarshal(v, &epoch) == nil && epoch > 0 {
		sec, frac := math.Modf(epoch)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
	}

	return time.Time{}
}

// seconds accepts a whole number of seconds, written as an integer, a float
// or a numeric string.
func seconds(v json.RawMessage) *int {
	if absent(v) {
		return nil
	}

	var n float64
	if json.Unmarshal(v, &n) != nil {
		var s string
		if json.Unmarshal(v, &s) != nil {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		n = f
	}

	if n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
		return nil
	}

	i := int(n)
	return &i
}

// fieldErrors keeps every entry of the errors array that decodes.
func fieldErrors(v json.RawMessage) []FieldError {
	var items []json.RawMessage
	if v == nil || json.Unmarshal(v, &items) != nil {
		return nil
	}

	var out []FieldError
	for _, item := range items {
		var fe FieldError
		if json.Unmarshal(item, &fe) == nil {
			out = append(out, fe)
		}
	}

	return out
}

func (w *wireProblem) traceID() *string {
	if w.TraceID != nil {
		return w.TraceID
	}

	return w.TraceIDCamel
}

// structured reports whether the payload speaks the current error dialect.
func (w *wireProblem) structured() bool {
	return w.Code != nil && w.traceID() != nil && w.Detail != nil
}

func (w *wireProblem) problem(status int) *Problem {
	return &Problem{
		Type:       w.Type,
		Title:      w.Title,
		Status:     status,
		Detail:     *w.Detail,
		Code:       Code(*w.Code),
		Timestamp:  w.Timestamp,
		TraceID:    *w.traceID(),
		Instance:   w.Instance,
		Errors:     w.Errors,
		HelpURL:    w.HelpURL,
		RetryAfter: w.RetryAfter,
	}
}

// Parse converts a failed exchange into a Problem. The status is always the
// transport status, whatever the body claims.
func Parse(status int, body []byte, now time.Time) *Problem {
	if w, ok := decodeWire(body); ok && w.structured() {
		return w.problem(status)
	}

	return legacy(status, body, now)
}

func legacy(status int, body []byte, now time.Time) *Problem {
	detail := defaultDetail

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err == nil {
		for _, key := range []string{"detail", "error", "message"} {
			if s, ok := fields[key].(string); ok && strings.TrimSpace(s) != "" {
				detail = s
				break
			}
		}
	}

	return &Problem{
		Type:      defaultType,
		Title:     Title(status),
		Status:    status,
		Detail:    detail,
		Code:      CodeUnknown,
		Timestamp: now,
		TraceID:   LegacyTraceID,
	}
}

// Classify extracts the Problem carried by err. It returns nil when err is
// nil or when the failure never produced a response.
func Classify(err error) (p *Problem) {
	if err == nil {
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			p = nil
		}
	}()

	p, ok := errors.AsType[*Problem](err)
	if !ok {
		return nil
	}

	return p
}

// IsNetwork reports whether err is a failure with no response at all.
func IsNetwork(err error) bool {
	return err != nil && Classify(err) == nil
}

// StatusOf returns the transport status behind err, or 0 if there was none.
func StatusOf(err error) int {
	if p := Classify(err); p != nil {
		return p.Status
	}

	return 0
}

// Package client provides the core implementation of the configurable HTTP
// client built on [net/http], hardened for talking to a session-based
// backend.
//
// # Building a Client
//
// Use [Build] to create a [Client] with functional options:
//
//	c, err := client.Build(
//		client.WithBaseURL("https://api.example.com"),
//		client.WithTimeout(10 * time.Second),
//		client.WithUserAgent("myapp/1.0"),
//		client.WithSink(mySink),
//	)
//
// # Making Requests
//
// Construct a [URL] and [Request], then execute with [Client.Do]:
//
//	u, err := c.Endpoint("/v1/resource")
//	req, err := client.Request(ctx, u, http.MethodGet)
//	err = c.Do(req, http.StatusOK, client.WithDestination(&result))
//
// Every request carries the session's correlation id, a fresh request id,
// the bearer token if one is stored, the CSRF token on state-changing
// methods, and the selected entity id. See package headers.
//
// # Failures
//
// An unexpected status yields an [*UnexpectedStatusError] whose body has
// been classified into a [*problem.Problem]:
//
//	if p := problem.Classify(err); p != nil {
//		log.Println(p.Code, p.TraceID)
//	}
//	c.Report(ctx, err) // toast for the user, telemetry for 5xx
//
// A 401 triggers a single shared session refresh, after which the request is
// sent once more. If the refresh fails the session is cleared and the user is
// sent to the login view. A 403 caused by a stale CSRF token makes the host
// reload and fails with [csrf.ErrTokenInvalid].
//
// # Validation
//
// [WithValidation] checks decoded payloads against their `validate` tags.
// Mismatches are logged, or returned with [WithStrictValidation].
package client

// Package httpguard builds HTTP clients that survive a session-based
// backend: expiring credentials, rotating CSRF tokens, mixed error formats
// and partially implemented endpoints.
package httpguard

import (
	"github.com/adamwoolhether/httpguard/client"
)

// NewClient instantiates a new *Client with the provided options.
// If not specified, a fresh http.Client with a cookie jar, the default
// http.Transport and an in-memory session are used.
func NewClient(opts ...client.Option) (*client.Client, error) {
	return client.Build(opts...)
}

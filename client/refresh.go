package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrNoRefreshOrigin is returned when the refresh endpoint can't be located:
// no base URL was configured and the failing request carried none.
var ErrNoRefreshOrigin = errors.New("no origin for refresh endpoint")

type originKey struct{}

// withOrigin remembers the scheme and host of u so a refresh triggered by
// this request can reach the same backend.
func withOrigin(ctx context.Context, u *url.URL) context.Context {
	return context.WithValue(ctx, originKey{}, &url.URL{Scheme: u.Scheme, Host: u.Host})
}

func originFrom(ctx context.Context) (*url.URL, bool) {
	u, ok := ctx.Value(originKey{}).(*url.URL)
	return u, ok && u.Host != ""
}

// refreshResponse is the optional body of a successful refresh.
type refreshResponse struct {
	AccessToken string `json:"access_token"`
}

// refreshSession POSTs to the refresh endpoint. The session cookie rides in
// the jar; a bearer token in the response replaces the stored one.
// It goes through exec directly so a 401 here never starts another refresh.
func (c *Client) refreshSession(ctx context.Context) error {
	base := c.baseURL
	if base == nil {
		origin, ok := originFrom(ctx)
		if !ok {
			return ErrNoRefreshOrigin
		}
		base = origin
	}

	u := base.JoinPath(c.auth.RefreshPath())

	req, err := Request(ctx, u, http.MethodPost)
	if err != nil {
		return fmt.Errorf("building refresh request: %w", err)
	}

	var token string
	readToken := func(resp *http.Response) error {
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBodySize))
		if err != nil {
			return fmt.Errorf("reading refresh body: %w", err)
		}

		b = bytes.TrimSpace(b)
		if len(b) == 0 {
			return nil
		}

		var body refreshResponse
		if err := json.Unmarshal(b, &body); err != nil {
			c.logger.DebugContext(ctx, "ignoring non-json refresh body", "error", err)
			return nil
		}
		token = body.AccessToken

		return nil
	}

	if err := c.exec(req, http.StatusOK, readToken); err != nil {
		return fmt.Errorf("refreshing session: %w", err)
	}

	if token != "" {
		if err := c.sess.SetToken(token); err != nil {
			return fmt.Errorf("storing refreshed token: %w", err)
		}
	}

	return nil
}

package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const errLoggerKey = "err"

// TokenSource supplies access tokens to the authenticating transport. The Authenticator
// implements it; the raw TokenStore is never handed out.
type TokenSource interface {
	Token() string
	ForceRenew(ctx context.Context) (string, error)
}

// AuthTransport is an http.RoundTripper decorator that attaches the current bearer
// token to outgoing requests and performs at most one reactive renewal-and-replay when
// the backend reports the token invalid. A second rejection is surfaced to the caller
// unchanged, which keeps retries bounded.
//
// Only 401 Unauthorized triggers the reactive renewal; 403 Forbidden is the backend's
// "authorization lost" signal and is handled by the chat client, not here.
type AuthTransport struct {
	// Base is the underlying transport. http.DefaultTransport when nil.
	Base http.RoundTripper
	// Auth renews tokens; renewal obeys the Authenticator's single-flight rule.
	Auth TokenSource
	// Logger is optional.
	Logger *slog.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	attempt := req.Clone(req.Context())
	if token := t.Auth.Token(); token != "" {
		attempt.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := base.RoundTrip(attempt)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// The original body is spent; without GetBody the request cannot be replayed.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()

	token, renewErr := t.Auth.ForceRenew(req.Context())
	if renewErr != nil {
		return nil, fmt.Errorf("replaying request after rejected token: %w", renewErr)
	}

	if t.Logger != nil {
		t.Logger.Debug("Replaying request with renewed token",
			slog.String("url", req.URL.Path))
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, fmt.Errorf("error rewinding request body: %w", bodyErr)
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+token)

	return base.RoundTrip(retry)
}

// Package gateway defines the identity-provider capabilities the token
// lifecycle core depends on, and provides a Keycloak-compatible OIDC
// implementation over HTTP.
//
// The core never talks to the provider directly: everything flows through
// the Gateway interface so tests and alternative providers can substitute
// their own implementation.
package gateway

import (
	"context"
	"fmt"

	"github.com/fdverney/keyfob/tokenset"
)

// UserInfo holds the claims returned by the provider's user-info endpoint,
// keyed by claim name. Returned as received, never cached.
type UserInfo map[string]any

// Gateway performs the network exchanges with the identity provider.
// Implementations own their retry and timeout policy; the lifecycle core
// never retries a failed call.
type Gateway interface {
	// Authenticate obtains an initial token set with resource owner
	// password credentials.
	Authenticate(ctx context.Context, username, password string) (tokenset.TokenSet, error)

	// Refresh redeems a refresh token for a new token set.
	Refresh(ctx context.Context, refreshToken string) (tokenset.TokenSet, error)

	// Exchange obtains a token set scoped to a different audience from a
	// subject access token, without re-authentication.
	Exchange(ctx context.Context, accessToken, audience string) (tokenset.TokenSet, error)

	// UserInfo fetches the identity claims behind an access token.
	UserInfo(ctx context.Context, accessToken string) (UserInfo, error)
}

// Error reports a failed provider exchange. It is surfaced to the caller
// unchanged; inspect with errors.As.
type Error struct {
	// Op names the failed capability: "authenticate", "refresh",
	// "exchange" or "userinfo".
	Op string
	// StatusCode is the HTTP status returned by the provider, or zero when
	// the call never produced a response.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

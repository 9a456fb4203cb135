package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/fdverney/keyfob/tokenset"
)

// RFC 8693 token exchange parameters.
const (
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
)

// Keycloak talks to a Keycloak realm's OpenID Connect endpoints. Refresh and
// password grants go through golang.org/x/oauth2; token exchange and
// user-info are plain HTTP since x/oauth2 has no support for them.
type Keycloak struct {
	tokenURL    string
	userinfoURL string

	clientID     string
	clientSecret string

	httpClient *http.Client
	now        func() time.Time
}

// Compile-time check to ensure Keycloak implements Gateway
var _ Gateway = (*Keycloak)(nil)

// KeycloakOption configures a Keycloak gateway.
type KeycloakOption func(*Keycloak) error

// WithClientSecret sets the secret for confidential clients. Public clients
// leave it unset.
func WithClientSecret(secret string) KeycloakOption {
	return func(k *Keycloak) error {
		k.clientSecret = secret
		return nil
	}
}

// WithHTTPClient sets a custom HTTP client for all provider calls.
func WithHTTPClient(client *http.Client) KeycloakOption {
	return func(k *Keycloak) error {
		k.httpClient = client
		return nil
	}
}

// WithVerify applies the TLS verification material: "true" (or empty) keeps
// default verification, "false" disables it, anything else is read as a CA
// bundle path.
func WithVerify(verify string) KeycloakOption {
	return func(k *Keycloak) error {
		switch verify {
		case "", "true":
			return nil
		case "false":
			k.httpClient.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
			return nil
		default:
			pem, err := os.ReadFile(verify)
			if err != nil {
				return fmt.Errorf("reading CA bundle %s: %w", verify, err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return fmt.Errorf("no certificates found in CA bundle %s", verify)
			}
			k.httpClient.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: pool},
			}
			return nil
		}
	}
}

// WithClock injects the clock used for computing expiry instants from the
// provider's relative lifespans.
func WithClock(now func() time.Time) KeycloakOption {
	return func(k *Keycloak) error {
		k.now = now
		return nil
	}
}

// NewKeycloak creates a gateway for one realm of a Keycloak server.
func NewKeycloak(serverURL, realmName, clientID string, opts ...KeycloakOption) (*Keycloak, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}
	if realmName == "" {
		return nil, fmt.Errorf("realm name cannot be empty")
	}
	if clientID == "" {
		return nil, fmt.Errorf("client id cannot be empty")
	}

	base := strings.TrimSuffix(serverURL, "/") + "/realms/" + url.PathEscape(realmName) + "/protocol/openid-connect"
	k := &Keycloak{
		tokenURL:    base + "/token",
		userinfoURL: base + "/userinfo",
		clientID:    clientID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if err := opt(k); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// oauth2Config builds the x/oauth2 configuration for grants it supports.
// Keycloak accepts client credentials in the POST body (client_secret_post).
func (k *Keycloak) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     k.clientID,
		ClientSecret: k.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  k.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// oauthContext injects our HTTP client into x/oauth2 via its documented
// context key.
func (k *Keycloak) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, k.httpClient)
}

// Authenticate performs a resource owner password credentials grant.
func (k *Keycloak) Authenticate(ctx context.Context, username, password string) (tokenset.TokenSet, error) {
	slog.DebugContext(ctx, "password grant", "request_id", uuid.NewString(), "username", username)

	tok, err := k.oauth2Config().PasswordCredentialsToken(k.oauthContext(ctx), username, password)
	if err != nil {
		return tokenset.TokenSet{}, k.wrapOAuthErr("authenticate", err)
	}
	return k.toTokenSet(tok), nil
}

// Refresh redeems the refresh token at the realm's token endpoint.
func (k *Keycloak) Refresh(ctx context.Context, refreshToken string) (tokenset.TokenSet, error) {
	slog.DebugContext(ctx, "refresh grant", "request_id", uuid.NewString())

	src := k.oauth2Config().TokenSource(k.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return tokenset.TokenSet{}, k.wrapOAuthErr("refresh", err)
	}
	return k.toTokenSet(tok), nil
}

// Exchange performs an RFC 8693 token exchange for the target audience.
func (k *Keycloak) Exchange(ctx context.Context, accessToken, audience string) (tokenset.TokenSet, error) {
	slog.DebugContext(ctx, "token exchange", "request_id", uuid.NewString(), "audience", audience)

	form := url.Values{
		"grant_type":         {grantTypeTokenExchange},
		"subject_token":      {accessToken},
		"subject_token_type": {tokenTypeAccessToken},
		"audience":           {audience},
		"client_id":          {k.clientID},
	}
	if k.clientSecret != "" {
		form.Set("client_secret", k.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenset.TokenSet{}, &Error{Op: "exchange", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return tokenset.TokenSet{}, &Error{Op: "exchange", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tokenset.TokenSet{}, &Error{Op: "exchange", StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return tokenset.TokenSet{}, &Error{
			Op:         "exchange",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("provider rejected exchange: %s", strings.TrimSpace(string(body))),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokenset.TokenSet{}, &Error{Op: "exchange", StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return tokenset.TokenSet{}, &Error{Op: "exchange", StatusCode: resp.StatusCode, Err: fmt.Errorf("token response has no access token")}
	}
	return tr.toTokenSet(k.now()), nil
}

// UserInfo fetches the claims behind the access token.
func (k *Keycloak) UserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	slog.DebugContext(ctx, "userinfo lookup", "request_id", uuid.NewString())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.userinfoURL, nil)
	if err != nil {
		return nil, &Error{Op: "userinfo", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: "userinfo", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "userinfo", StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Op:         "userinfo",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("provider rejected userinfo: %s", strings.TrimSpace(string(body))),
		}
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &Error{Op: "userinfo", StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding userinfo: %w", err)}
	}
	return info, nil
}

// tokenResponse is the realm token endpoint's JSON shape. Keycloak reports
// the refresh token lifespan in the non-standard refresh_expires_in field.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

func (tr tokenResponse) toTokenSet(now time.Time) tokenset.TokenSet {
	set := tokenset.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IssuedAt:     now,
	}
	if tr.ExpiresIn > 0 {
		set.AccessExpiry = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.RefreshExpiresIn > 0 {
		set.RefreshExpiry = now.Add(time.Duration(tr.RefreshExpiresIn) * time.Second)
	}
	return set
}

// toTokenSet converts an x/oauth2 token, pulling Keycloak's
// refresh_expires_in out of the extra fields.
func (k *Keycloak) toTokenSet(tok *oauth2.Token) tokenset.TokenSet {
	now := k.now()
	set := tokenset.TokenSet{
		AccessToken:  tok.AccessToken,
		AccessExpiry: tok.Expiry,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     now,
	}
	if v := tok.Extra("refresh_expires_in"); v != nil {
		if secs, ok := v.(float64); ok && secs > 0 {
			set.RefreshExpiry = now.Add(time.Duration(secs) * time.Second)
		}
	}
	return set
}

// wrapOAuthErr maps x/oauth2 failures onto *Error, preserving the provider's
// HTTP status when one was received.
func (k *Keycloak) wrapOAuthErr(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return &Error{Op: op, StatusCode: retrieveErr.Response.StatusCode, Err: err}
	}
	return &Error{Op: op, Err: err}
}

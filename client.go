package keyfob

import (
	"context"
	"fmt"
	"time"

	"github.com/fdverney/keyfob/gateway"
	"github.com/fdverney/keyfob/lifecycle"
	"github.com/fdverney/keyfob/tokenset"
	"github.com/fdverney/keyfob/tokenstore"
)

// options collects construction-time overrides shared by both facades.
type options struct {
	gw  gateway.Gateway
	now func() time.Time
}

// Option overrides a facade dependency, mainly for testing.
type Option func(*options)

// WithGateway substitutes the identity-provider gateway. By default a
// Keycloak gateway is built from the client configuration.
func WithGateway(gw gateway.Gateway) Option {
	return func(o *options) {
		o.gw = gw
	}
}

// WithClock injects the clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// resolve applies defaults and validation to cfg and builds the gateway.
func resolve(cfg *ClientConfig, opts []Option) (*options, error) {
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.gw == nil {
		gw, err := gateway.NewKeycloak(cfg.ServerURL, cfg.RealmName, cfg.ClientID,
			gateway.WithClientSecret(cfg.ClientSecret),
			gateway.WithVerify(cfg.Verify),
			gateway.WithClock(o.now),
		)
		if err != nil {
			return nil, fmt.Errorf("building gateway: %w", err)
		}
		o.gw = gw
	}
	return o, nil
}

// Client is the synchronous facade over a single-owner in-memory token
// store. Accessors return without coordination beyond the occasional refresh
// network call. A multi-threaded host must wrap the Client in its own mutex.
type Client struct {
	cfg    ClientConfig
	engine *lifecycle.Engine
}

// NewClient creates a Client for the given configuration. Seed tokens from
// the configuration are installed immediately; call InitializeTokens to
// eagerly learn their expiry instants.
func NewClient(cfg ClientConfig, opts ...Option) (*Client, error) {
	o, err := resolve(&cfg, opts)
	if err != nil {
		return nil, err
	}

	store := tokenstore.NewMemoryStore(cfg.seed())
	engine := lifecycle.New(store, o.gw,
		lifecycle.WithSkew(cfg.Skew),
		lifecycle.WithClock(o.now),
	)

	return &Client{cfg: cfg, engine: engine}, nil
}

// InitializeTokens establishes the initial token set from the configured
// seed tokens, refreshing them eagerly so their expiries become known.
func (c *Client) InitializeTokens(ctx context.Context) (tokenset.TokenSet, error) {
	return c.engine.Initialize(ctx, c.cfg.seed(), nil)
}

// InitializeWithPassword establishes the initial token set with a resource
// owner password credentials grant.
func (c *Client) InitializeWithPassword(ctx context.Context, username, password string) (tokenset.TokenSet, error) {
	return c.engine.Initialize(ctx, c.cfg.seed(), &lifecycle.Credentials{Username: username, Password: password})
}

// AccessToken returns a usable access token, refreshing it first if needed.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	return c.engine.AccessToken(ctx)
}

// RefreshToken returns the current refresh token.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	return c.engine.RefreshToken(ctx)
}

// Refresh explicitly redeems the refresh token for a new token set.
func (c *Client) Refresh(ctx context.Context) (tokenset.TokenSet, error) {
	return c.engine.Refresh(ctx)
}

// UserInfo fetches the identity claims behind the current access token.
func (c *Client) UserInfo(ctx context.Context) (gateway.UserInfo, error) {
	return c.engine.UserInfo(ctx)
}

// Exchange returns a separate token set scoped to the target audience. The
// client's own token set is not touched.
func (c *Client) Exchange(ctx context.Context, audience string) (tokenset.TokenSet, error) {
	return c.engine.Exchange(ctx, audience)
}

// Tokens returns the current token set without triggering a refresh.
func (c *Client) Tokens(ctx context.Context) (tokenset.TokenSet, error) {
	return c.engine.Tokens(ctx)
}

// State reports the lifecycle state of the current token set.
func (c *Client) State() lifecycle.State {
	return c.engine.State()
}

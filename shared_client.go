package keyfob

import (
	"context"

	"github.com/fdverney/keyfob/gateway"
	"github.com/fdverney/keyfob/lifecycle"
	"github.com/fdverney/keyfob/tokenset"
	"github.com/fdverney/keyfob/tokenstore"
)

// SharedTokenClient is the facade over a lock-guarded token file shared by
// an unbounded number of cooperating processes. None of them owns the file;
// correctness rests on the lock discipline in tokenstore.LockedFileStore.
//
// Every operation takes a context: a caller may block while waiting on the
// file lock and while the gateway call issued under the lock completes.
// Read-only fast paths (a still-usable access token) never lock at all.
type SharedTokenClient struct {
	cfg    ClientConfig
	engine *lifecycle.Engine
}

// NewSharedTokenClient creates a SharedTokenClient over the configured token
// file (default: <user config dir>/keyfob/<realm>.tok).
func NewSharedTokenClient(cfg ClientConfig, opts ...Option) (*SharedTokenClient, error) {
	o, err := resolve(&cfg, opts)
	if err != nil {
		return nil, err
	}

	store, err := tokenstore.NewLockedFileStore(cfg.TokenFile,
		tokenstore.WithLockTimeout(cfg.LockTimeout),
		tokenstore.WithRetryDelay(cfg.RetryDelay),
		tokenstore.WithLockRetries(cfg.LockRetries),
		tokenstore.WithProvenance(cfg.ServerURL, cfg.RealmName),
	)
	if err != nil {
		return nil, err
	}

	engine := lifecycle.New(store, o.gw,
		lifecycle.WithSkew(cfg.Skew),
		lifecycle.WithClock(o.now),
	)

	return &SharedTokenClient{cfg: cfg, engine: engine}, nil
}

// InitializeTokens establishes the shared token set: a set already persisted
// by another process wins, then configured seed tokens (eagerly refreshed so
// expiries become known).
func (c *SharedTokenClient) InitializeTokens(ctx context.Context) (tokenset.TokenSet, error) {
	return c.engine.Initialize(ctx, c.cfg.seed(), nil)
}

// InitializeWithPassword establishes the shared token set with a resource
// owner password credentials grant, falling back to it if persisted or seed
// tokens turn out to be unusable.
func (c *SharedTokenClient) InitializeWithPassword(ctx context.Context, username, password string) (tokenset.TokenSet, error) {
	return c.engine.Initialize(ctx, c.cfg.seed(), &lifecycle.Credentials{Username: username, Password: password})
}

// AccessToken returns a usable access token. At most one of the cooperating
// processes performs a given refresh; the others observe the refreshed set.
func (c *SharedTokenClient) AccessToken(ctx context.Context) (string, error) {
	return c.engine.AccessToken(ctx)
}

// RefreshToken returns the current shared refresh token.
func (c *SharedTokenClient) RefreshToken(ctx context.Context) (string, error) {
	return c.engine.RefreshToken(ctx)
}

// Refresh explicitly redeems the shared refresh token. A refresh completed
// by another process while this one waited on the lock is reused.
func (c *SharedTokenClient) Refresh(ctx context.Context) (tokenset.TokenSet, error) {
	return c.engine.Refresh(ctx)
}

// UserInfo fetches the identity claims behind the shared access token.
func (c *SharedTokenClient) UserInfo(ctx context.Context) (gateway.UserInfo, error) {
	return c.engine.UserInfo(ctx)
}

// Exchange returns a separate token set scoped to the target audience. The
// shared token file is not touched.
func (c *SharedTokenClient) Exchange(ctx context.Context, audience string) (tokenset.TokenSet, error) {
	return c.engine.Exchange(ctx, audience)
}

// Tokens returns the shared token set without triggering a refresh, exposing
// the issued-at and expiry instants.
func (c *SharedTokenClient) Tokens(ctx context.Context) (tokenset.TokenSet, error) {
	return c.engine.Tokens(ctx)
}

// State reports this process's view of the lifecycle state.
func (c *SharedTokenClient) State() lifecycle.State {
	return c.engine.State()
}

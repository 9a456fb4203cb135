// Package lifecycle drives the token lifecycle state machine: it decides
// when a stored token set can be returned as-is, when it must be refreshed,
// and when the caller has to re-authenticate.
//
// The engine is parameterized over a tokenstore.Store and a gateway.Gateway
// so the same decision logic serves both the in-memory client and the
// shared-file client. All re-check-under-lock behavior comes for free from
// Store.Update: the callback always observes the latest durably written set,
// so a refresh that another process completed while this one waited on the
// lock is reused instead of repeated.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fdverney/keyfob/gateway"
	"github.com/fdverney/keyfob/tokenset"
	"github.com/fdverney/keyfob/tokenstore"
)

// ErrNotInitialized is returned by accessors before Initialize has stored a
// token set.
var ErrNotInitialized = errors.New("lifecycle: no token set stored, call Initialize first")

// ErrRefreshTokenExpired is terminal for the current token set: the refresh
// token itself is no longer usable and the caller must re-initialize.
var ErrRefreshTokenExpired = errors.New("lifecycle: refresh token expired, re-initialization required")

// ErrNoCredentials is returned by Initialize when neither seed tokens nor
// username/password credentials are available.
var ErrNoCredentials = errors.New("lifecycle: no seed tokens or credentials provided")

// State is the engine's view of the current token set.
type State int

const (
	StateUninitialized State = iota
	StateValid
	StateRefreshPending
	StateExpired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateValid:
		return "valid"
	case StateRefreshPending:
		return "refresh-pending"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Credentials carry a username/password pair for the initial
// password-credentials grant.
type Credentials struct {
	Username string
	Password string
}

// Engine is the token lifecycle state machine.
type Engine struct {
	store tokenstore.Store
	gw    gateway.Gateway

	skew time.Duration
	now  func() time.Time

	mu    sync.Mutex
	state State
}

// Option configures an Engine.
type Option func(*Engine)

// WithSkew sets the safety margin subtracted from expiry instants.
func WithSkew(skew time.Duration) Option {
	return func(e *Engine) {
		e.skew = skew
	}
}

// WithClock injects the clock used for usability decisions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine over the given store and gateway.
func New(store tokenstore.Store, gw gateway.Gateway, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		gw:    gw,
		skew:  tokenset.DefaultSkew,
		now:   time.Now,
		state: StateUninitialized,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns this process's view of the lifecycle state. Other processes
// sharing the store may be in a different state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Initialize establishes the initial token set. Resolution order:
// a set already present in the store (refreshed in place if its access token
// expired), then seed tokens (eagerly refreshed so expiries become known),
// then a password-credentials grant. When a refresh of stored or seed tokens
// fails and credentials are available, authentication is the fallback.
func (e *Engine) Initialize(ctx context.Context, seed tokenset.TokenSet, creds *Credentials) (tokenset.TokenSet, error) {
	set, err := e.store.Update(ctx, func(current tokenset.TokenSet) (tokenset.TokenSet, error) {
		if current.IsZero() {
			current = seed
		}

		if !current.IsZero() {
			// A set with a known, still-usable access expiry needs no call.
			// Unknown expiry (seed tokens) is refreshed eagerly so the
			// instants become known.
			if current.ExpiryKnown() && current.AccessUsable(e.now(), e.skew) {
				return current, nil
			}
			if current.RefreshToken == "" {
				// Access token only: nothing to refresh with, keep as-is
				return current, nil
			}
			next, err := e.refreshCall(ctx, current)
			if err == nil {
				return next, nil
			}
			if creds == nil {
				return current, err
			}
			slog.WarnContext(ctx, "stored tokens unusable, falling back to password grant", "error", err)
		}

		if creds != nil {
			e.setState(StateRefreshPending)
			fresh, err := e.gw.Authenticate(ctx, creds.Username, creds.Password)
			if err != nil {
				e.setState(StateFailed)
				return current, err
			}
			return fresh, nil
		}
		return current, ErrNoCredentials
	})
	if err != nil {
		return tokenset.TokenSet{}, err
	}
	e.setState(StateValid)
	return set, nil
}

// AccessToken returns a usable access token, refreshing first if the stored
// one is no longer usable.
func (e *Engine) AccessToken(ctx context.Context) (string, error) {
	set, err := e.ensureUsable(ctx)
	if err != nil {
		return "", err
	}
	return set.AccessToken, nil
}

// RefreshToken returns the current refresh token. It fails with
// ErrRefreshTokenExpired when the refresh token itself is no longer usable.
func (e *Engine) RefreshToken(ctx context.Context) (string, error) {
	set, err := e.load(ctx)
	if err != nil {
		return "", err
	}
	if !set.RefreshUsable(e.now(), e.skew) {
		e.setState(StateExpired)
		return "", ErrRefreshTokenExpired
	}
	return set.RefreshToken, nil
}

// Tokens returns the stored token set as-is, without triggering a refresh.
func (e *Engine) Tokens(ctx context.Context) (tokenset.TokenSet, error) {
	return e.load(ctx)
}

// Refresh redeems the stored refresh token for a new token set. A refresh
// completed by another process while this one waited on the store lock is
// reused rather than repeated.
func (e *Engine) Refresh(ctx context.Context) (tokenset.TokenSet, error) {
	observed, err := e.load(ctx)
	if err != nil {
		return tokenset.TokenSet{}, err
	}
	return e.refreshStored(ctx, observed, true)
}

// Exchange obtains a separate token set scoped to the target audience. The
// primary token set is never mutated: a subsequent AccessToken call returns
// the same token as before the exchange.
func (e *Engine) Exchange(ctx context.Context, audience string) (tokenset.TokenSet, error) {
	set, err := e.ensureUsable(ctx)
	if err != nil {
		return tokenset.TokenSet{}, err
	}
	return e.gw.Exchange(ctx, set.AccessToken, audience)
}

// UserInfo fetches the identity claims behind the current access token,
// refreshing it first if needed. The result is never cached.
func (e *Engine) UserInfo(ctx context.Context) (gateway.UserInfo, error) {
	set, err := e.ensureUsable(ctx)
	if err != nil {
		return nil, err
	}
	return e.gw.UserInfo(ctx, set.AccessToken)
}

// load reads the store's current set, mapping an empty store to
// ErrNotInitialized.
func (e *Engine) load(ctx context.Context) (tokenset.TokenSet, error) {
	set, err := e.store.Load(ctx)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNoToken) {
			e.setState(StateUninitialized)
			return tokenset.TokenSet{}, fmt.Errorf("%w: %w", ErrNotInitialized, err)
		}
		return tokenset.TokenSet{}, err
	}
	return set, nil
}

// ensureUsable returns the stored set once its access token is usable. The
// lock-free fast path performs no coordination at all; only a token that
// needs refreshing takes the slow path through Store.Update.
func (e *Engine) ensureUsable(ctx context.Context) (tokenset.TokenSet, error) {
	current, err := e.load(ctx)
	if err != nil {
		return tokenset.TokenSet{}, err
	}
	if current.AccessUsable(e.now(), e.skew) {
		if !current.ExpiryKnown() {
			slog.WarnContext(ctx, "access token lifespan unknown, assuming still valid")
		}
		e.setState(StateValid)
		return current, nil
	}
	return e.refreshStored(ctx, current, false)
}

// refreshStored performs the lock-acquire / re-check / refresh / write
// cycle. With force set, the provider is called even if the access token is
// still usable, unless another process already installed a different set.
func (e *Engine) refreshStored(ctx context.Context, observed tokenset.TokenSet, force bool) (tokenset.TokenSet, error) {
	set, err := e.store.Update(ctx, func(current tokenset.TokenSet) (tokenset.TokenSet, error) {
		if current.IsZero() {
			return current, ErrNotInitialized
		}
		usable := current.AccessUsable(e.now(), e.skew)
		if !force && usable {
			// Lost refresh race: another process already installed a fresh set
			return current, nil
		}
		if force && usable && current != observed {
			return current, nil
		}
		return e.refreshCall(ctx, current)
	})
	if err != nil {
		return tokenset.TokenSet{}, err
	}
	e.setState(StateValid)
	return set, nil
}

// refreshCall invokes the gateway refresh, guarding on refresh token
// usability first. Failures leave the store untouched: the callback error
// aborts the surrounding Update.
func (e *Engine) refreshCall(ctx context.Context, current tokenset.TokenSet) (tokenset.TokenSet, error) {
	if !current.RefreshUsable(e.now(), e.skew) {
		e.setState(StateExpired)
		return current, ErrRefreshTokenExpired
	}
	if current.RefreshExpiry.IsZero() {
		slog.WarnContext(ctx, "refresh token lifespan unknown, attempting refresh anyway")
	}

	e.setState(StateRefreshPending)
	fresh, err := e.gw.Refresh(ctx, current.RefreshToken)
	if err != nil {
		e.setState(StateFailed)
		return current, fmt.Errorf("refreshing tokens: %w", err)
	}
	return fresh, nil
}

// Package tokenset defines the immutable access/refresh token pair and the
// expiry policy applied to it.
//
// Usability is a pure function of a TokenSet and a clock reading: a token is
// usable while `now < expiry - skew`. A zero expiry instant means the
// provider did not report a lifespan; such tokens are assumed usable and the
// caller is expected to surface a warning.
package tokenset

import "time"

// DefaultSkew is the safety margin subtracted from expiry instants so a
// token is never handed out moments before it expires mid-request.
const DefaultSkew = 10 * time.Second

// TokenSet holds one logical access/refresh token pair together with its
// expiry metadata. A TokenSet is immutable once constructed; a refresh
// produces a new value, never mutates an existing one.
type TokenSet struct {
	AccessToken   string
	AccessExpiry  time.Time
	RefreshToken  string
	RefreshExpiry time.Time
	IssuedAt      time.Time
}

// IsZero reports whether the set holds no tokens at all.
func (t TokenSet) IsZero() bool {
	return t.AccessToken == "" && t.RefreshToken == ""
}

// AccessUsable reports whether the access token can still be presented at
// time now, leaving skew as a safety margin before the expiry instant.
// An unknown (zero) expiry counts as usable.
func (t TokenSet) AccessUsable(now time.Time, skew time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	return usable(t.AccessExpiry, now, skew)
}

// RefreshUsable reports whether the refresh token can still be redeemed at
// time now. An unknown (zero) expiry counts as usable.
func (t TokenSet) RefreshUsable(now time.Time, skew time.Duration) bool {
	if t.RefreshToken == "" {
		return false
	}
	return usable(t.RefreshExpiry, now, skew)
}

// ExpiryKnown reports whether the access token's lifespan was reported by
// the provider.
func (t TokenSet) ExpiryKnown() bool {
	return !t.AccessExpiry.IsZero()
}

func usable(expiry, now time.Time, skew time.Duration) bool {
	if expiry.IsZero() {
		return true
	}
	return now.Before(expiry.Add(-skew))
}

package keyfob

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fdverney/keyfob/tokenset"
)

// Default lifecycle and lock settings applied by ApplyDefaults.
const (
	DefaultConfigSkew        = tokenset.DefaultSkew
	DefaultConfigLockTimeout = 10 * time.Second
	DefaultConfigRetryDelay  = 100 * time.Millisecond
	DefaultConfigVerify      = "true"
)

// ClientConfig describes one OIDC client of one realm. Constructed once at
// client creation and read-only thereafter.
type ClientConfig struct {
	// ServerURL is the identity provider's base URL.
	ServerURL string `json:"server_url" validate:"required,url"`
	// RealmName selects the realm the client belongs to.
	RealmName string `json:"realm_name" validate:"required"`
	// ClientID identifies this client to the provider.
	ClientID string `json:"client_id" validate:"required"`
	// ClientSecret is set for confidential clients only.
	ClientSecret string `json:"client_secret,omitempty"`

	// AccessToken and RefreshToken optionally seed the token set so no
	// interactive authentication is needed.
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// Verify is the TLS verification material: "true", "false", or the path
	// to a CA bundle.
	Verify string `json:"verify,omitempty"`

	// Skew is the safety margin subtracted from token expiry instants.
	Skew time.Duration `json:"skew,omitempty"`

	// Shared-store settings, used by SharedTokenClient only.
	TokenFile   string        `json:"token_file,omitempty"`
	LockTimeout time.Duration `json:"lock_timeout,omitempty"`
	LockRetries int           `json:"lock_retries,omitempty"`
	RetryDelay  time.Duration `json:"retry_delay,omitempty"`
}

// ApplyDefaults fills unset config fields with sensible defaults. The token
// file default is <user config dir>/keyfob/<realm>.tok.
func (c *ClientConfig) ApplyDefaults() error {
	if c.Verify == "" {
		c.Verify = DefaultConfigVerify
	}
	if c.Skew == 0 {
		c.Skew = DefaultConfigSkew
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultConfigLockTimeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultConfigRetryDelay
	}
	if c.TokenFile == "" {
		// Best effort: only SharedTokenClient needs a token file, and its
		// store rejects an empty path if auto-detection failed.
		if configDir, err := os.UserConfigDir(); err == nil {
			c.TokenFile = filepath.Join(configDir, "keyfob", c.RealmName+".tok")
		}
	}
	return nil
}

// Validate validates the configuration using struct tags plus cross-field
// checks.
func (c *ClientConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Verify != "true" && c.Verify != "false" {
		if _, err := os.Stat(c.Verify); err != nil {
			return fmt.Errorf("verify must be true, false, or a readable CA bundle path: %w", err)
		}
	}

	return nil
}

// seed returns the token set carried in the configuration, if any. Expiry
// instants are unknown until the first refresh.
func (c *ClientConfig) seed() tokenset.TokenSet {
	return tokenset.TokenSet{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
	}
}

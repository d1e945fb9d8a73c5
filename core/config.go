package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/joeshaw/envdecode"
)

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultFetchAttempts  = 3
	DefaultFetchBackoff   = time.Second
)

// Config carries the settings shared by the backend client, the key cache,
// and the token verifier. Construct it directly or load it with FromEnv.
type Config struct {
	// ServiceID identifies this service to the auth backend. Access tokens
	// must name it as their audience.
	ServiceID string `env:"AUTH_SERVICE_ID" validate:"required"`

	// ServiceSecret authenticates service-to-backend calls. Required unless
	// VerifyOnly is set.
	ServiceSecret string `env:"AUTH_SERVICE_SECRET"`

	// BaseURL is the auth backend root, e.g. https://auth.internal.example.
	BaseURL string `env:"AUTH_BASE_URL" validate:"required,http_url"`

	// Issuer is the expected iss claim. Defaults to BaseURL.
	Issuer string `env:"AUTH_ISSUER"`

	// KeyCacheTTL bounds how long a fetched public key is served from cache.
	// Zero means cache until an explicit refresh.
	KeyCacheTTL time.Duration `env:"AUTH_KEY_CACHE_TTL" validate:"min=0"`

	// RequestTimeout bounds each HTTP call to the backend.
	RequestTimeout time.Duration `env:"AUTH_REQUEST_TIMEOUT" validate:"min=0"`

	// FetchAttempts is the number of tries in one key-fetch sequence.
	FetchAttempts int `env:"AUTH_FETCH_ATTEMPTS" validate:"min=1,max=10"`

	// FetchBackoff is the wait before the second fetch attempt; it doubles
	// for every attempt after that.
	FetchBackoff time.Duration `env:"AUTH_FETCH_BACKOFF" validate:"min=0"`

	// ClockSkew is the leeway tolerated on time-based claims.
	ClockSkew time.Duration `env:"AUTH_CLOCK_SKEW" validate:"min=0"`

	// PinnedPublicKeyPEM disables key fetching entirely when set; the pinned
	// key is served forever. For air-gapped or bootstrap deployments.
	PinnedPublicKeyPEM string `env:"AUTH_PINNED_PUBLIC_KEY"`

	// VerifyOnly marks deployments that only verify tokens and never call
	// the backend's authenticated routes.
	VerifyOnly bool `env:"AUTH_VERIFY_ONLY"`

	// Debug enables request logging on the backend HTTP transport.
	Debug bool `env:"AUTH_DEBUG"`
}

// ApplyDefaults fills unset fields with production defaults and normalizes
// the base URL.
func (c *Config) ApplyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = DefaultFetchAttempts
	}
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = DefaultFetchBackoff
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Issuer == "" {
		c.Issuer = c.BaseURL
	}
}

var validate = validator.New()

// Validate checks the config. Call after ApplyDefaults.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	if !c.VerifyOnly && c.ServiceSecret == "" {
		return fmt.Errorf("auth config: service secret required unless verify-only")
	}
	if c.PinnedPublicKeyPEM != "" {
		if _, err := jwt.ParseRSAPublicKeyFromPEM([]byte(c.PinnedPublicKeyPEM)); err != nil {
			return fmt.Errorf("auth config: pinned public key: %w", err)
		}
	}
	return nil
}

// FromEnv loads the config from AUTH_* environment variables, applies
// defaults, and validates.
func FromEnv() (Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, fmt.Errorf("auth config from env: %w", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

package authgin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	core "github.com/open-rails/authbridge/core"
	jwtkit "github.com/open-rails/authbridge/jwt"
)

// TokenVerifier verifies a bearer token and returns its claims.
// *jwtkit.Verifier satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*jwtkit.Claims, error)
}

// RateLimiter throttles failed verification attempts per client. Both
// limiter packages satisfy it.
type RateLimiter interface {
	AllowNamed(bucket, key string) (bool, error)
}

// RLVerifyFailed is the limiter bucket the middleware charges for each
// request that fails verification with an invalid token.
const RLVerifyFailed = "auth.verify_failed"

type options struct {
	limiter RateLimiter
	bucket  string
	log     *logrus.Logger
}

// Option configures the auth middleware.
type Option func(*options)

// WithRateLimiter throttles invalid-token failures per client IP. Each
// failed verification charges the client one attempt; once over the limit,
// further failures get 429 instead of 401. Valid tokens always pass.
func WithRateLimiter(rl RateLimiter) Option {
	return func(o *options) { o.limiter = rl }
}

// WithRateLimitBucket overrides the limiter bucket name.
func WithRateLimitBucket(bucket string) Option {
	return func(o *options) { o.bucket = bucket }
}

// WithLogger sets the logger for middleware diagnostics.
func WithLogger(log *logrus.Logger) Option {
	return func(o *options) { o.log = log }
}

func buildOptions(opts []Option) options {
	o := options{bucket: RLVerifyFailed, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RequireAuth returns middleware that rejects requests without a valid
// bearer token. Verified claims are stored in the Gin context and the
// request context for downstream handlers.
//
// Failures map to: 401 for missing, expired, or invalid tokens, 503 when
// the auth backend cannot be reached to fetch the verification key, and
// 429 when a client exceeds the failed-attempt limit.
func RequireAuth(verifier TokenVerifier, opts ...Option) gin.HandlerFunc {
	o := buildOptions(opts)
	return func(c *gin.Context) {
		token, ok := bearerToken(c.Request)
		if !ok {
			unauthorized(c, "missing_token", "authorization required")
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			o.reject(c, err)
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

// OptionalAuth returns middleware that verifies a bearer token when one is
// present but lets the request through either way. Handlers distinguish the
// two cases with ClaimsFromGin. Invalid tokens still count toward the
// failed-attempt limit so probing through optional routes is visible. An
// unreachable auth backend fails closed even here: a presented token can be
// neither granted nor refused without the verification key.
func OptionalAuth(verifier TokenVerifier, opts ...Option) gin.HandlerFunc {
	o := buildOptions(opts)
	return func(c *gin.Context) {
		token, ok := bearerToken(c.Request)
		if !ok {
			c.Next()
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, core.ErrNetwork) {
				o.unavailable(c, err)
				return
			}
			if isInvalidToken(err) {
				o.charge(c)
			}
			c.Next()
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

// RequireScopes returns middleware that rejects authenticated requests
// whose token is missing any of the given scopes. Use after RequireAuth.
func RequireScopes(scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFromGin(c)
		if !ok {
			unauthorized(c, "missing_token", "authorization required")
			return
		}
		if missing := claims.MissingScopes(scopes...); len(missing) > 0 {
			c.Header("WWW-Authenticate", fmt.Sprintf(`Bearer error="insufficient_scope", scope=%q`, strings.Join(missing, " ")))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "insufficient_scope",
				"message": "token is missing scopes: " + strings.Join(missing, ", "),
			})
			return
		}
		c.Next()
	}
}

// reject maps a verification error to a response, charging the limiter for
// invalid tokens.
func (o *options) reject(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrTokenExpired):
		unauthorized(c, "token_expired", "token has expired")
	case errors.Is(err, core.ErrNetwork):
		o.unavailable(c, err)
	case isInvalidToken(err):
		if !o.charge(c) {
			tooMany(c)
			return
		}
		unauthorized(c, "invalid_token", "token is invalid")
	default:
		o.log.WithError(err).Warn("unclassified verification failure")
		unauthorized(c, "invalid_token", "token is invalid")
	}
}

func (o *options) unavailable(c *gin.Context, err error) {
	o.log.WithError(err).Warn("auth backend unreachable, failing closed")
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
		"error":   "auth_unavailable",
		"message": "authentication temporarily unavailable",
	})
}

// charge records one failed attempt for the calling client. Limiter errors
// fail open so a broken limiter cannot take auth down with it.
func (o *options) charge(c *gin.Context) bool {
	if o.limiter == nil {
		return true
	}
	allowed, err := o.limiter.AllowNamed(o.bucket, c.ClientIP())
	if err != nil {
		o.log.WithError(err).Warn("rate limiter unavailable")
		return true
	}
	return allowed
}

func isInvalidToken(err error) bool {
	return errors.Is(err, core.ErrInvalidToken) && !errors.Is(err, core.ErrTokenExpired)
}

func unauthorized(c *gin.Context, code, message string) {
	if code == "missing_token" {
		c.Header("WWW-Authenticate", `Bearer realm="authbridge"`)
	} else {
		c.Header("WWW-Authenticate", fmt.Sprintf(`Bearer error="invalid_token", error_description=%q`, message))
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   code,
		"message": message,
	})
}

func tooMany(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":   "too_many_attempts",
		"message": "too many failed authentication attempts",
	})
}

// bearerToken extracts the token from the Authorization header. The scheme
// comparison is case-insensitive per RFC 7235.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

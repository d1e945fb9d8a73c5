package authhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

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

// Middleware wraps http handlers with bearer-token verification for
// services not built on Gin.
type Middleware struct {
	verifier TokenVerifier
	log      *logrus.Logger
	limiter  RateLimiter
	bucket   string
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithRateLimiter throttles invalid-token failures per client address.
// Each failed verification charges the client one attempt; once over the
// limit, further failures get 429 instead of 401. Valid tokens always pass.
func WithRateLimiter(rl RateLimiter) MiddlewareOption {
	return func(m *Middleware) { m.limiter = rl }
}

// WithRateLimitBucket overrides the limiter bucket name.
func WithRateLimitBucket(bucket string) MiddlewareOption {
	return func(m *Middleware) { m.bucket = bucket }
}

// NewMiddleware constructs middleware around the given verifier. A nil log
// falls back to the logrus standard logger.
func NewMiddleware(verifier TokenVerifier, log *logrus.Logger, opts ...MiddlewareOption) *Middleware {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Middleware{verifier: verifier, log: log, bucket: RLVerifyFailed}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequireAuth rejects requests without a valid bearer token. Verified
// claims are stored in the request context; read them back with
// ClaimsFromContext.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="authbridge"`)
			writeError(w, http.StatusUnauthorized, "missing_token", "authorization required")
			return
		}

		claims, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			m.reject(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(jwtkit.NewContext(r.Context(), claims)))
	})
}

// OptionalAuth verifies a bearer token when one is present but lets the
// request through either way. Invalid tokens still count toward the
// failed-attempt limit so probing through optional routes is visible. An
// unreachable auth backend fails closed even here: a presented token can be
// neither granted nor refused without the verification key.
func (m *Middleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, core.ErrNetwork) {
				m.unavailable(w, err)
				return
			}
			if isInvalidToken(err) {
				m.charge(r)
			}
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(jwtkit.NewContext(r.Context(), claims)))
	})
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrTokenExpired):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="token has expired"`)
		writeError(w, http.StatusUnauthorized, "token_expired", "token has expired")
	case errors.Is(err, core.ErrNetwork):
		m.unavailable(w, err)
	case isInvalidToken(err):
		if !m.charge(r) {
			writeError(w, http.StatusTooManyRequests, "too_many_attempts", "too many failed authentication attempts")
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="token is invalid"`)
		writeError(w, http.StatusUnauthorized, "invalid_token", "token is invalid")
	default:
		m.log.WithError(err).Warn("unclassified verification failure")
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="token is invalid"`)
		writeError(w, http.StatusUnauthorized, "invalid_token", "token is invalid")
	}
}

func (m *Middleware) unavailable(w http.ResponseWriter, err error) {
	m.log.WithError(err).Warn("auth backend unreachable, failing closed")
	writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "authentication temporarily unavailable")
}

// charge records one failed attempt for the calling client. Limiter errors
// fail open so a broken limiter cannot take auth down with it.
func (m *Middleware) charge(r *http.Request) bool {
	if m.limiter == nil {
		return true
	}
	allowed, err := m.limiter.AllowNamed(m.bucket, clientKey(r))
	if err != nil {
		m.log.WithError(err).Warn("rate limiter unavailable")
		return true
	}
	return allowed
}

func isInvalidToken(err error) bool {
	return errors.Is(err, core.ErrInvalidToken) && !errors.Is(err, core.ErrTokenExpired)
}

// clientKey identifies the caller for rate limiting. Plain net/http has no
// proxy-aware client IP, so the remote address host is the key.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

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

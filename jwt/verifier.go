package jwtkit

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	core "github.com/open-rails/authbridge/core"
)

// KeyProvider supplies the verification key. *KeyCache implements this.
type KeyProvider interface {
	SigningKey(ctx context.Context) (*rsa.PublicKey, error)
}

// Verifier validates service access tokens locally against the backend's
// public key. It performs no I/O of its own beyond the key lookup; the fetch
// and retry discipline live entirely in the KeyProvider. Every failure maps
// to one of the three error families in package core.
type Verifier struct {
	keys     KeyProvider
	audience string
	issuer   string
	leeway   time.Duration
	parser   *jwt.Parser
}

// VerifierOpt configures a Verifier.
type VerifierOpt func(*Verifier)

// WithIssuer requires the token's iss claim to equal iss.
func WithIssuer(iss string) VerifierOpt {
	return func(v *Verifier) { v.issuer = iss }
}

// WithLeeway tolerates clock skew of d on time-based claims.
func WithLeeway(d time.Duration) VerifierOpt {
	return func(v *Verifier) {
		if d > 0 {
			v.leeway = d
		}
	}
}

// NewVerifier builds a verifier accepting RS256 tokens minted for the given
// audience. Multiple verifiers may share one KeyCache.
func NewVerifier(keys KeyProvider, audience string, opts ...VerifierOpt) *Verifier {
	v := &Verifier{keys: keys, audience: audience}
	for _, opt := range opts {
		opt(v)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	v.parser = jwt.NewParser(parserOpts...)
	return v
}

// NewVerifierFromConfig builds a verifier for the config's service identity.
func NewVerifierFromConfig(cfg core.Config, keys KeyProvider, opts ...VerifierOpt) *Verifier {
	base := []VerifierOpt{WithLeeway(cfg.ClockSkew)}
	if cfg.Issuer != "" {
		base = append(base, WithIssuer(cfg.Issuer))
	}
	return NewVerifier(keys, cfg.ServiceID, append(base, opts...)...)
}

// Verify checks the token's structure, signature, audience, issuer, and
// expiry, then extracts and shape-checks the claim set. Expiry surfaces as
// *core.TokenExpiredError, trouble fetching the signing key passes through
// as the KeyProvider returned it (typically *core.NetworkError), and every
// other rejection is a *core.InvalidTokenError.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if err := checkFormat(token); err != nil {
		return nil, err
	}

	key, err := v.keys.SigningKey(ctx)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return key, nil
	})
	if err != nil {
		return nil, v.classify(err, parsed)
	}

	return extractClaims(claims)
}

// Audience returns the audience this verifier was built for.
func (v *Verifier) Audience() string { return v.audience }

// checkFormat rejects input that cannot be a JWS compact serialization. It
// runs before any key lookup so garbage input never triggers a fetch.
func checkFormat(token string) error {
	if strings.TrimSpace(token) == "" {
		return &core.InvalidTokenError{Reason: "empty token"}
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return &core.InvalidTokenError{Reason: "malformed token: want three dot-separated segments"}
	}
	for _, part := range parts {
		if part == "" {
			return &core.InvalidTokenError{Reason: "malformed token: empty segment"}
		}
		if _, err := base64.RawURLEncoding.DecodeString(part); err != nil {
			return &core.InvalidTokenError{Reason: "malformed token: segment is not base64url"}
		}
	}
	return nil
}

// classify maps golang-jwt parse errors onto the library's error taxonomy.
// Expiry is checked first so the one recoverable rejection never hides
// behind a joined claim error.
func (v *Verifier) classify(err error, parsed *jwt.Token) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		var expiredAt time.Time
		if parsed != nil {
			if exp, terr := parsed.Claims.GetExpirationTime(); terr == nil && exp != nil {
				expiredAt = exp.Time
			}
		}
		return &core.TokenExpiredError{ExpiredAt: expiredAt}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return &core.InvalidTokenError{
			Reason: fmt.Sprintf("audience mismatch: expected %q", v.audience),
			Err:    err,
		}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return &core.InvalidTokenError{
			Reason: fmt.Sprintf("issuer mismatch: expected %q", v.issuer),
			Err:    err,
		}
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return &core.InvalidTokenError{Reason: "missing exp claim", Err: err}
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return &core.InvalidTokenError{Reason: "token not valid yet", Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &core.InvalidTokenError{Reason: "signature verification failed", Err: err}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &core.InvalidTokenError{Reason: "malformed token", Err: err}
	default:
		return &core.InvalidTokenError{Reason: "verification failed", Err: err}
	}
}

// extractClaims shape-checks the full claim set. Signature and registered
// claim validity are already established; this enforces that every field the
// decoded form promises is present and correctly typed.
func extractClaims(claims jwt.MapClaims) (*Claims, error) {
	out := &Claims{Raw: claims}

	var err error
	if out.Subject, err = stringClaim(claims, "sub"); err != nil {
		return nil, err
	}
	if out.Username, err = stringClaim(claims, "username"); err != nil {
		return nil, err
	}
	if out.ProfilePicture, err = stringClaim(claims, "profilePicture"); err != nil {
		return nil, err
	}
	if out.Issuer, err = stringClaim(claims, "iss"); err != nil {
		return nil, err
	}
	if out.Audience, err = audienceClaim(claims); err != nil {
		return nil, err
	}
	if out.ExpiresAt, err = timeClaim(claims, "exp"); err != nil {
		return nil, err
	}
	if out.IssuedAt, err = timeClaim(claims, "iat"); err != nil {
		return nil, err
	}
	if out.Scopes, err = scopeClaim(claims); err != nil {
		return nil, err
	}
	return out, nil
}

func stringClaim(claims jwt.MapClaims, name string) (string, error) {
	raw, ok := claims[name]
	if !ok {
		return "", &core.InvalidTokenError{Reason: "missing " + name + " claim"}
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", &core.InvalidTokenError{Reason: name + " claim must be a non-empty string"}
	}
	return s, nil
}

func timeClaim(claims jwt.MapClaims, name string) (time.Time, error) {
	raw, ok := claims[name]
	if !ok {
		return time.Time{}, &core.InvalidTokenError{Reason: "missing " + name + " claim"}
	}
	switch n := raw.(type) {
	case float64:
		return time.Unix(int64(n), 0), nil
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return time.Unix(int64(f), 0), nil
		}
	}
	return time.Time{}, &core.InvalidTokenError{Reason: name + " claim must be a numeric timestamp"}
}

// audienceClaim accepts aud as a bare string or a single-element string
// array, the two encodings the backend has used.
func audienceClaim(claims jwt.MapClaims) (string, error) {
	raw, ok := claims["aud"]
	if !ok {
		return "", &core.InvalidTokenError{Reason: "missing aud claim"}
	}
	switch a := raw.(type) {
	case string:
		if a != "" {
			return a, nil
		}
	case []any:
		if len(a) == 1 {
			if s, ok := a[0].(string); ok && s != "" {
				return s, nil
			}
		}
	}
	return "", &core.InvalidTokenError{Reason: "aud claim must be a single audience string"}
}

func scopeClaim(claims jwt.MapClaims) ([]string, error) {
	raw, ok := claims["scope"]
	if !ok {
		return nil, &core.InvalidTokenError{Reason: "missing scope claim"}
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &core.InvalidTokenError{Reason: "scope claim must be an array of strings"}
	}
	scopes := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, &core.InvalidTokenError{Reason: "scope claim must be an array of strings"}
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}

package jwtkit

import (
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded, validated payload of a service access token.
// Every field is present and well-typed once Verify succeeds.
type Claims struct {
	Subject        string    // sub: account identifier
	Username       string    // username: display handle
	ProfilePicture string    // profilePicture: avatar URL
	Issuer         string    // iss
	Audience       string    // aud: the service this token was minted for
	ExpiresAt      time.Time // exp
	IssuedAt       time.Time // iat
	Scopes         []string  // scope: granted permissions, order preserved

	// Raw is the full claim set as parsed, for claims this struct does not
	// model.
	Raw jwt.MapClaims
}

// HasScope reports whether the token carries the named scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether the token carries every named scope.
func (c *Claims) HasAllScopes(scopes ...string) bool {
	return len(c.MissingScopes(scopes...)) == 0
}

// MissingScopes returns the subset of the named scopes the token lacks.
func (c *Claims) MissingScopes(scopes ...string) []string {
	var missing []string
	for _, s := range scopes {
		if !c.HasScope(s) {
			missing = append(missing, s)
		}
	}
	return missing
}

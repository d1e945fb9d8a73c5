package authgin

import (
	"github.com/gin-gonic/gin"

	jwtkit "github.com/open-rails/authbridge/jwt"
)

// Keys under which the auth middleware stores verified data in the Gin
// context. Handlers normally go through ClaimsFromGin or AccountID instead
// of reading these directly.
const (
	ClaimsKey    = "authbridge.claims"
	AccountIDKey = "authbridge.account_id"
)

// ClaimsFromGin returns the verified claims set by RequireAuth or
// OptionalAuth on this request.
func ClaimsFromGin(c *gin.Context) (*jwtkit.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*jwtkit.Claims)
	return claims, ok && claims != nil
}

// AccountID returns the authenticated account id, if the request carried a
// valid token.
func AccountID(c *gin.Context) (string, bool) {
	v, ok := c.Get(AccountIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func setClaims(c *gin.Context, claims *jwtkit.Claims) {
	c.Set(ClaimsKey, claims)
	c.Set(AccountIDKey, claims.Subject)
	c.Request = c.Request.WithContext(jwtkit.NewContext(c.Request.Context(), claims))
}

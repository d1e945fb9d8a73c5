package authgin

import (
	"github.com/gin-gonic/gin"
)

// UserView is a unified snapshot of the caller for handlers that render
// user-facing responses.
type UserView struct {
	// Identity
	AccountID      string `json:"account_id"`
	Username       string `json:"username"`
	ProfilePicture string `json:"profile_picture,omitempty"`

	// Access
	Scopes []string `json:"scopes,omitempty"`

	// Meta
	Source string `json:"source"` // "claims" | "none"
}

// CurrentUser returns a snapshot of the authenticated caller.
// Order of precedence:
//  1. Verified claims (from RequireAuth/OptionalAuth) → Source: "claims"
//  2. None (unauthenticated) → Source: "none"
func CurrentUser(c *gin.Context) (UserView, bool) {
	if cl, ok := ClaimsFromGin(c); ok && cl.Subject != "" {
		return UserView{
			AccountID:      cl.Subject,
			Username:       cl.Username,
			ProfilePicture: cl.ProfilePicture,
			Scopes:         cl.Scopes,
			Source:         "claims",
		}, true
	}

	return UserView{
		Source: "none",
	}, false
}

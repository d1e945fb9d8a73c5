package authhttp

import (
	"context"

	jwtkit "github.com/open-rails/authbridge/jwt"
)

// WithClaims returns a copy of ctx carrying the claims, for callers that
// verify tokens themselves but still want the context helpers downstream.
func WithClaims(ctx context.Context, claims *jwtkit.Claims) context.Context {
	return jwtkit.NewContext(ctx, claims)
}

// ClaimsFromContext returns the verified claims stored by RequireAuth or
// OptionalAuth on this request.
func ClaimsFromContext(ctx context.Context) (*jwtkit.Claims, bool) {
	return jwtkit.FromContext(ctx)
}

// AccountIDFromContext returns the authenticated account id, if the request
// carried a valid token.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	claims, ok := jwtkit.FromContext(ctx)
	if !ok || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

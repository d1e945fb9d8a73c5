package backend

import "time"

// TokenPair is the result of a code exchange or token refresh. The access
// token is an RS256 JWT verifiable with jwtkit; the refresh token is opaque
// to services.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ConnectedAccount is a third-party identity linked to an account.
type ConnectedAccount struct {
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`
	Username   string    `json:"username,omitempty"`
	LinkedAt   time.Time `json:"linked_at,omitempty"`
}

// publicKeyResponse mirrors GET /auth/public-key.
type publicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

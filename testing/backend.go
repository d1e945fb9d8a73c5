// Package testing provides utilities for testing applications that use
// authbridge. It provides a mock auth backend that serves the verification
// key, exchanges codes, and refreshes tokens, enabling integration tests
// without needing a real auth server.
//
// Example usage:
//
//	be := testing.NewBackend()
//	defer be.Close()
//
//	// Configure your client against the test backend
//	cfg := core.Config{
//		ServiceID:     be.ServiceID(),
//		ServiceSecret: be.ServiceSecret(),
//		BaseURL:       be.URL(),
//	}
//
//	// Create tokens for testing
//	token := be.IssueToken("acct-123", "alice")
package testing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/open-rails/authbridge/backend"
)

// Backend provides a complete mock auth backend for testing. It runs an
// HTTP server implementing the key distribution, code exchange, refresh,
// and connected-accounts endpoints, and can sign tokens that verify
// against the key it serves.
type Backend struct {
	server   *httptest.Server
	audience string

	serviceID     string
	serviceSecret string

	mu          sync.Mutex
	key         *rsa.PrivateKey
	kid         string
	keyGen      int
	keyFetches  int
	exchanges   int
	failFetches int

	// refreshTokens maps live refresh tokens to account ids. accounts maps
	// account ids to their linked external accounts.
	refreshTokens map[string]string
	accounts      map[string][]backend.ConnectedAccount
}

// NewBackend creates a mock backend with a fresh RSA key pair.
// Call Close() when done to shut down the test server.
func NewBackend() *Backend {
	return NewBackendWithAudience("test-service")
}

// NewBackendWithAudience creates a mock backend whose issued tokens carry
// the given audience. The audience doubles as the service id expected in
// basic auth.
func NewBackendWithAudience(audience string) *Backend {
	b := &Backend{
		audience:      audience,
		serviceID:     audience,
		serviceSecret: uuid.NewString(),
		refreshTokens: make(map[string]string),
		accounts:      make(map[string][]backend.ConnectedAccount),
	}
	b.rotateKeyLocked()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/public-key", b.handlePublicKey)
	mux.HandleFunc("/.well-known/jwks.json", b.handleJWKS)
	mux.HandleFunc("/auth/exchange-code", b.handleExchange)
	mux.HandleFunc("/auth/refresh", b.handleRefresh)
	mux.HandleFunc("/api/service/accounts/", b.handleConnectedAccounts)

	b.server = httptest.NewServer(mux)
	return b
}

// URL returns the base URL of the mock backend. Use it as BaseURL in your
// client configuration; issued tokens carry it as their issuer.
func (b *Backend) URL() string {
	return b.server.URL
}

// Audience returns the audience claimed in issued tokens.
func (b *Backend) Audience() string {
	return b.audience
}

// ServiceID returns the service id the backend expects in basic auth.
func (b *Backend) ServiceID() string {
	return b.serviceID
}

// ServiceSecret returns the secret the backend expects in basic auth.
func (b *Backend) ServiceSecret() string {
	return b.serviceSecret
}

// Close shuts down the test server.
func (b *Backend) Close() {
	if b.server != nil {
		b.server.Close()
	}
}

// PublicKeyPEM returns the current verification key as PEM.
func (b *Backend) PublicKeyPEM() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return publicKeyPEM(&b.key.PublicKey)
}

// RotateKey replaces the signing key pair. Tokens issued before the
// rotation no longer verify against the newly served key.
func (b *Backend) RotateKey() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotateKeyLocked()
}

func (b *Backend) rotateKeyLocked() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("failed to generate RSA key: " + err.Error())
	}
	b.keyGen++
	b.key = key
	b.kid = fmt.Sprintf("test-key-%d", b.keyGen)
}

// FailKeyFetches makes the next n public-key requests fail with 502.
// Useful for exercising retry and backoff behavior.
func (b *Backend) FailKeyFetches(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failFetches = n
}

// KeyFetchCount reports how many times the public key endpoint was hit.
func (b *Backend) KeyFetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.keyFetches
}

// ExchangeCount reports how many code exchanges were performed.
func (b *Backend) ExchangeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchanges
}

// AddConnectedAccount registers a linked external account for the given
// account id, returned by the connected-accounts endpoint.
func (b *Backend) AddConnectedAccount(accountID string, acct backend.ConnectedAccount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[accountID] = append(b.accounts[accountID], acct)
}

// IssueToken creates a signed token with the standard claim set for the
// given account. The token verifies against the served public key.
func (b *Backend) IssueToken(accountID, username string) string {
	return b.IssueTokenWithClaims(accountID, username, nil)
}

// IssueTokenWithClaims creates a signed token, merging extra claims over
// the standard set. An entry with a nil value removes that claim, which is
// handy for testing shape validation.
func (b *Backend) IssueTokenWithClaims(accountID, username string, extra map[string]any) string {
	now := time.Now()

	claims := jwt.MapClaims{
		"sub":            accountID,
		"username":       username,
		"profilePicture": b.URL() + "/avatars/" + accountID + ".png",
		"iss":            b.URL(),
		"aud":            b.audience,
		"exp":            now.Add(time.Hour).Unix(),
		"iat":            now.Unix(),
		"scope":          []string{"profile:read"},
	}

	for k, v := range extra {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}

	return b.Sign(claims)
}

// IssueTokenWithScopes creates a signed token carrying the given scopes.
func (b *Backend) IssueTokenWithScopes(accountID, username string, scopes []string) string {
	return b.IssueTokenWithClaims(accountID, username, map[string]any{
		"scope": scopes,
	})
}

// IssueExpiredToken creates a token that expired an hour ago. Useful for
// testing expiry handling.
func (b *Backend) IssueExpiredToken(accountID, username string) string {
	return b.IssueTokenWithClaims(accountID, username, map[string]any{
		"exp": time.Now().Add(-time.Hour).Unix(),
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
	})
}

// Sign signs arbitrary claims with the backend's current key.
func (b *Backend) Sign(claims jwt.MapClaims) string {
	b.mu.Lock()
	key, kid := b.key, b.kid
	b.mu.Unlock()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		panic("failed to sign token: " + err.Error())
	}
	return signed
}

func (b *Backend) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.keyFetches++
	if b.failFetches > 0 {
		b.failFetches--
		b.mu.Unlock()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	pemStr := publicKeyPEM(&b.key.PublicKey)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"public_key": pemStr})
}

func (b *Backend) handleJWKS(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	pub := b.key.PublicKey
	kid := b.kid
	b.mu.Unlock()

	k, err := jwk.FromRaw(&pub)
	if err != nil {
		panic("failed to build JWK: " + err.Error())
	}
	_ = k.Set(jwk.KeyIDKey, kid)
	_ = k.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = k.Set(jwk.KeyUsageKey, jwk.ForSignature)

	set := jwk.NewSet()
	if err := set.AddKey(k); err != nil {
		panic("failed to build JWKS: " + err.Error())
	}
	writeJSON(w, http.StatusOK, set)
}

func (b *Backend) handleExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !b.checkBasicAuth(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	code := r.PostForm.Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	b.mu.Lock()
	b.exchanges++
	b.mu.Unlock()

	b.writeTokenPair(w, "acct-"+code)
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !b.checkBasicAuth(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "refresh_token" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	rt := r.PostForm.Get("refresh_token")
	b.mu.Lock()
	account, ok := b.refreshTokens[rt]
	if ok {
		delete(b.refreshTokens, rt)
	}
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	b.writeTokenPair(w, account)
}

func (b *Backend) handleConnectedAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !b.checkBasicAuth(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	id, ok := connectedAccountsID(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	b.mu.Lock()
	accts := b.accounts[id]
	b.mu.Unlock()
	if accts == nil {
		accts = []backend.ConnectedAccount{}
	}
	writeJSON(w, http.StatusOK, accts)
}

// connectedAccountsID extracts the account id from
// /api/service/accounts/{id}/connected-accounts.
func connectedAccountsID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/api/service/accounts/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/connected-accounts")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (b *Backend) writeTokenPair(w http.ResponseWriter, accountID string) {
	refresh := "rt." + accountID + "." + uuid.NewString()
	b.mu.Lock()
	b.refreshTokens[refresh] = accountID
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  b.IssueToken(accountID, strings.TrimPrefix(accountID, "acct-")),
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": refresh,
	})
}

func (b *Backend) checkBasicAuth(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	return ok && id == b.serviceID && secret == b.serviceSecret
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func publicKeyPEM(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		panic("failed to marshal public key: " + err.Error())
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

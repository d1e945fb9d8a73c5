package testing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"

	core "github.com/open-rails/authbridge/core"
	jwtkit "github.com/open-rails/authbridge/jwt"
)

// newVerifier builds a verifier pinned to the backend's current key.
func newVerifier(t *testing.T, b *Backend) *jwtkit.Verifier {
	t.Helper()
	cache, err := jwtkit.NewPinnedKeyCache(b.PublicKeyPEM())
	if err != nil {
		t.Fatalf("pin key: %v", err)
	}
	return jwtkit.NewVerifier(cache, b.Audience(), jwtkit.WithIssuer(b.URL()))
}

func TestBackend_PublicKeyEndpoint(t *testing.T) {
	b := NewBackend()
	defer b.Close()

	resp, err := http.Get(b.URL() + "/auth/public-key")
	if err != nil {
		t.Fatalf("GET public key: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.PublicKey != b.PublicKeyPEM() {
		t.Fatalf("expected served key to match PublicKeyPEM")
	}
	if b.KeyFetchCount() != 1 {
		t.Fatalf("expected fetch counted, got %d", b.KeyFetchCount())
	}
}

func TestBackend_JWKSEndpoint(t *testing.T) {
	b := NewBackend()
	defer b.Close()

	resp, err := http.Get(b.URL() + "/.well-known/jwks.json")
	if err != nil {
		t.Fatalf("GET jwks: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		t.Fatalf("expected a parseable JWKS document, got %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("expected 1 key, got %d", set.Len())
	}
	key, _ := set.Key(0)
	if key.KeyID() != "test-key-1" {
		t.Fatalf("expected kid test-key-1, got %q", key.KeyID())
	}
}

func TestBackend_FailKeyFetches(t *testing.T) {
	b := NewBackend()
	defer b.Close()

	b.FailKeyFetches(2)
	for i := 0; i < 2; i++ {
		resp, err := http.Get(b.URL() + "/auth/public-key")
		if err != nil {
			t.Fatalf("GET public key: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("expected injected 502, got %d", resp.StatusCode)
		}
	}

	resp, err := http.Get(b.URL() + "/auth/public-key")
	if err != nil {
		t.Fatalf("GET public key: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected recovery after injected failures, got %d", resp.StatusCode)
	}
	if b.KeyFetchCount() != 3 {
		t.Fatalf("expected failures counted as fetches, got %d", b.KeyFetchCount())
	}
}

func TestBackend_IssueTokenVerifies(t *testing.T) {
	b := NewBackend()
	defer b.Close()
	v := newVerifier(t, b)

	claims, err := v.Verify(context.Background(), b.IssueToken("acct-9", "bob"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "acct-9" || claims.Username != "bob" {
		t.Fatalf("unexpected identity %q/%q", claims.Subject, claims.Username)
	}
	if claims.ProfilePicture != b.URL()+"/avatars/acct-9.png" {
		t.Fatalf("unexpected profile picture %q", claims.ProfilePicture)
	}
	if len(claims.Scopes) != 1 || claims.Scopes[0] != "profile:read" {
		t.Fatalf("unexpected default scopes %v", claims.Scopes)
	}

	scoped, err := v.Verify(context.Background(), b.IssueTokenWithScopes("acct-9", "bob", []string{"a", "b"}))
	if err != nil {
		t.Fatalf("Verify scoped: %v", err)
	}
	if len(scoped.Scopes) != 2 {
		t.Fatalf("expected custom scopes, got %v", scoped.Scopes)
	}
}

func TestBackend_IssueTokenWithClaims_NilRemoves(t *testing.T) {
	b := NewBackend()
	defer b.Close()
	v := newVerifier(t, b)

	token := b.IssueTokenWithClaims("acct-9", "bob", map[string]any{"username": nil})
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, core.ErrInvalidToken) {
		t.Fatalf("expected removed claim to fail shape check, got %v", err)
	}
}

func TestBackend_IssueExpiredToken(t *testing.T) {
	b := NewBackend()
	defer b.Close()
	v := newVerifier(t, b)

	if _, err := v.Verify(context.Background(), b.IssueExpiredToken("acct-9", "bob")); !errors.Is(err, core.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestBackend_RotateKey(t *testing.T) {
	b := NewBackend()
	defer b.Close()

	oldToken := b.IssueToken("acct-9", "bob")
	oldPEM := b.PublicKeyPEM()

	b.RotateKey()
	if b.PublicKeyPEM() == oldPEM {
		t.Fatalf("expected rotation to change the served key")
	}

	v := newVerifier(t, b)
	if _, err := v.Verify(context.Background(), oldToken); !errors.Is(err, core.ErrInvalidToken) {
		t.Fatalf("expected pre-rotation token rejected, got %v", err)
	}
	if _, err := v.Verify(context.Background(), b.IssueToken("acct-9", "bob")); err != nil {
		t.Fatalf("expected post-rotation token to verify, got %v", err)
	}
}

func TestBackend_ExchangeRequiresAuth(t *testing.T) {
	b := NewBackend()
	defer b.Close()

	resp, err := http.PostForm(b.URL()+"/auth/exchange-code", nil)
	if err != nil {
		t.Fatalf("POST exchange: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without basic auth, got %d", resp.StatusCode)
	}
}

func TestConnectedAccountsID(t *testing.T) {
	cases := []struct {
		path   string
		wantID string
		wantOK bool
	}{
		{"/api/service/accounts/acct-1/connected-accounts", "acct-1", true},
		{"/api/service/accounts/acct-1/other", "", false},
		{"/api/service/accounts//connected-accounts", "", false},
		{"/api/service/accounts/a/b/connected-accounts", "", false},
		{"/api/other/accounts/acct-1/connected-accounts", "", false},
	}
	for _, tc := range cases {
		id, ok := connectedAccountsID(tc.path)
		if ok != tc.wantOK || id != tc.wantID {
			t.Fatalf("connectedAccountsID(%q) = %q,%v; expected %q,%v", tc.path, id, ok, tc.wantID, tc.wantOK)
		}
	}
}

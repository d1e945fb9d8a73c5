package backend_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/open-rails/authbridge/backend"
	core "github.com/open-rails/authbridge/core"
	jwtkit "github.com/open-rails/authbridge/jwt"
	authtest "github.com/open-rails/authbridge/testing"
)

func newTestClient(t *testing.T, be *authtest.Backend, opts ...backend.Option) *backend.Client {
	t.Helper()
	cfg := core.Config{
		ServiceID:     be.ServiceID(),
		ServiceSecret: be.ServiceSecret(),
		BaseURL:       be.URL(),
	}
	c, err := backend.New(cfg, opts...)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	return c
}

type captureEventLogger struct {
	mu     sync.Mutex
	events []core.AuthEvent
}

func (c *captureEventLogger) LogAuthEvent(ctx context.Context, ev core.AuthEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureEventLogger) all() []core.AuthEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.AuthEvent(nil), c.events...)
}

func TestClient_ExchangeCode(t *testing.T) {
	be := authtest.NewBackend()
	defer be.Close()
	client := newTestClient(t, be)

	pair, err := client.ExchangeCode(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if pair.AccessToken == "" {
		t.Fatalf("expected an access token")
	}
	if !strings.HasPrefix(pair.RefreshToken, "rt.acct-alice.") {
		t.Fatalf("unexpected refresh token %q", pair.RefreshToken)
	}
	if !strings.EqualFold(pair.TokenType, "bearer") {
		t.Fatalf("expected bearer token type, got %q", pair.TokenType)
	}
	if !pair.ExpiresAt.After(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("expected expiry roughly an hour out, got %v", pair.ExpiresAt)
	}
	if be.ExchangeCount() != 1 {
		t.Fatalf("expected 1 exchange, got %d", be.ExchangeCount())
	}

	// The access token must verify locally against the backend's key.
	cache := jwtkit.NewKeyCache(client)
	verifier := jwtkit.NewVerifier(cache, be.Audience(), jwtkit.WithIssuer(be.URL()))
	claims, err := verifier.Verify(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify exchanged token: %v", err)
	}
	if claims.Subject != "acct-alice" {
		t.Fatalf("expected subject acct-alice, got %q", claims.Subject)
	}
	if claims.Username != "alice" {
		t.Fatalf("expected username alice, got %q", claims.Username)
	}
}

func TestClient_ExchangeCode_EmptyCode(t *testing.T) {
	be := authtest.NewBackend()
	defer be.Close()
	client := newTestClient(t, be)

	if _, err := client.ExchangeCode(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty code")
	}
	if be.ExchangeCount() != 0 {
		t.Fatalf("expected no backend call for empty code, got %d", be.ExchangeCount())
	}
}

func TestClient_ExchangeCode_BadCredentials(t *testing.T) {
	be := authtest.NewBackend()
	defer be.Close()

	cfg := core.Config{
		ServiceID:     be.ServiceID(),
		ServiceSecret: "wrong-secret",
		BaseURL:       be.URL(),
	}
	client, err := backend.New(cfg)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}

	_, err = client.ExchangeCode(context.Background(), "alice")
	if err == nil {
		t.Fatalf("expected exchange to fail with bad credentials")
	}
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		t.Fatalf("expected *oauth2.RetrieveError, got %v", err)
	}
	if re.Response.StatusCode != 401 {
		t.Fatalf("expected 401, got %d", re.Response.StatusCode)
	}
}

func TestClient_RefreshToken(t *testing.T) {
	be := authtest.NewBackend()
	defer be.Close()
	client := newTestClient(t, be)

	pair, err := client.ExchangeCode(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	next, err := client.RefreshToken(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if next.AccessToken == "" || next.RefreshToken == "" {
		t.Fatalf("expected a full pair from refresh")
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatalf("expected refresh token rotation")
	}

	cache := jwtkit.NewKeyCache(client)
	verifier := jwtkit.NewVerifier(cache, be.Audience(), jwtkit.WithIssuer(be.URL()))
	claims, err := verifier.Verify(context.Background(), next.AccessToken)
	if err != nil {
		t.Fatalf("Verify refreshed token: %v", err)
	}
	if claims.Subject != "acct-alice" {
		t.Fatalf("expected refresh to keep the subject, got %q", claims.Subject)
	}

	// The consumed refresh token no longer works.
	if _, err := client.RefreshToken(context.Background(), pair.RefreshToken); err == nil {
		t.Fatalf("expected consumed refresh token to be rejected")
	}

	if _, err := client.RefreshToken(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty refresh token")
	}
}

func TestClient_FetchPublicKey(t *testing.T) {
	be := authtest.NewBackend()
	defer be.Close()
	client := newTestClient(t, be)

	material, err := client.FetchPublicKey(context.Background())
	if err != nil {
		t.Fatalf("FetchPublicKey: %v", err)
	}
	if material != be.PublicKeyPEM() {
		t.Fatalf("expected served key material verbatim")
	}
	if be.KeyFetchCount() != 1 {
		t.Fatalf("expected 1 key fetch, got %d", be.KeyFetchCount())
	}
}

func TestClient_FetchPublicKey_BackendError(t *testing.T) {
	be := authtest.NewBackend()
	defer be.Close()
	client := newTestClient(t, be)

	be.FailKeyFetches(1)
	_, err := client.FetchPublicKey(context.Background())
	if err == nil {
		t.Fatalf("expected error while backend is failing")
	}
	var ae *backend.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *backend.APIError, got %v", err)
	}
	if ae.StatusCode != 502 {
		t.Fatalf("expected 502, got %d", ae.StatusCode)
	}
	if !ae.Retryable() {
		t.Fatalf("expected 502 to be retryable")
	}

	// Recovered backend serves again.
	if _, err := client.FetchPublicKey(context.Background()); err != nil {
		t.Fatalf("expected fetch to succeed after recovery: %v", err)
	}
}

func TestClient_ConnectedAccounts(t *testing.T) {
	be := authtest.NewBackend()
	defer be.Close()
	client := newTestClient(t, be)

	linked := backend.ConnectedAccount{
		Provider:   "discord",
		ExternalID: "discord-123",
		Username:   "alice#0001",
		LinkedAt:   time.Now().UTC().Truncate(time.Second),
	}
	be.AddConnectedAccount("acct-1", linked)

	accts, err := client.ConnectedAccounts(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("ConnectedAccounts: %v", err)
	}
	if len(accts) != 1 {
		t.Fatalf("expected 1 linked account, got %d", len(accts))
	}
	if accts[0].Provider != "discord" || accts[0].ExternalID != "discord-123" {
		t.Fatalf("unexpected account %+v", accts[0])
	}

	empty, err := client.ConnectedAccounts(context.Background(), "acct-unknown")
	if err != nil {
		t.Fatalf("ConnectedAccounts for unknown account: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no linked accounts, got %d", len(empty))
	}

	if _, err := client.ConnectedAccounts(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty account id")
	}
}

func TestClient_Events(t *testing.T) {
	be := authtest.NewBackend()
	defer be.Close()
	events := &captureEventLogger{}
	client := newTestClient(t, be, backend.WithEventLogger(events))

	pair, err := client.ExchangeCode(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if _, err := client.RefreshToken(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	// A failed refresh is recorded too.
	if _, err := client.RefreshToken(context.Background(), "rt.acct-alice.bogus"); err == nil {
		t.Fatalf("expected bogus refresh token to fail")
	}

	evs := events.all()
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(evs), evs)
	}
	if evs[0].Kind != core.EventCodeExchanged || evs[0].Err != "" {
		t.Fatalf("unexpected first event %+v", evs[0])
	}
	if evs[1].Kind != core.EventTokenRefreshed || evs[1].Err != "" {
		t.Fatalf("unexpected second event %+v", evs[1])
	}
	if evs[2].Kind != core.EventTokenRefreshed || evs[2].Err == "" {
		t.Fatalf("expected a failure event last, got %+v", evs[2])
	}
}

func TestAPIError_Retryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{500, true},
		{502, true},
		{429, true},
		{400, false},
		{404, false},
		{401, false},
	}
	for _, tc := range cases {
		e := &backend.APIError{StatusCode: tc.status}
		if e.Retryable() != tc.want {
			t.Fatalf("expected Retryable()=%v for %d", tc.want, tc.status)
		}
	}
}

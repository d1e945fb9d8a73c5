package backend

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	core "github.com/open-rails/authbridge/core"
)

// ExchangeCode trades an authorization code for a token pair via
// POST /auth/exchange-code. The backend speaks the standard OAuth2 token
// wire format on this route.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenPair, error) {
	if code == "" {
		return nil, fmt.Errorf("code exchange: empty code")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.exchange.Exchange(ctx, code)
	if err != nil {
		c.logEvent(ctx, core.EventCodeExchanged, err)
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	c.logEvent(ctx, core.EventCodeExchanged, nil)
	return pairFromToken(tok), nil
}

// RefreshToken trades a refresh token for a fresh pair via
// POST /auth/refresh.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("token refresh: empty refresh token")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	src := c.refresh.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		c.logEvent(ctx, core.EventTokenRefreshed, err)
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	c.logEvent(ctx, core.EventTokenRefreshed, nil)
	return pairFromToken(tok), nil
}

func pairFromToken(tok *oauth2.Token) *TokenPair {
	return &TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
}

func (c *Client) logEvent(ctx context.Context, kind core.EventKind, cause error) {
	if c.events == nil {
		return
	}
	ev := core.AuthEvent{Kind: kind, At: time.Now()}
	if cause != nil {
		ev.Err = cause.Error()
	}
	if err := c.events.LogAuthEvent(ctx, ev); err != nil {
		c.log.WithError(err).Debug("event sink rejected auth event")
	}
}

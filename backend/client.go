package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	core "github.com/open-rails/authbridge/core"
)

// Routes the auth backend exposes to services.
const (
	publicKeyPath         = "/auth/public-key"
	exchangeCodePath      = "/auth/exchange-code"
	refreshPath           = "/auth/refresh"
	connectedAccountsPath = "/api/service/accounts/%s/connected-accounts"
)

// Client talks to the central auth backend on behalf of one service. It
// implements jwtkit.KeyFetcher, so it plugs straight into a KeyCache.
type Client struct {
	baseURL       string
	serviceID     string
	serviceSecret string
	httpClient    *http.Client
	exchange      *oauth2.Config
	refresh       *oauth2.Config
	events        core.EventLogger
	log           *logrus.Entry
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Its transport still gets
// wrapped for request IDs and debug logging.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEventLogger records exchange and refresh outcomes to the sink.
func WithEventLogger(ev core.EventLogger) Option {
	return func(c *Client) { c.events = ev }
}

// WithLogger replaces the client's logger.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Client) { c.log = log.WithField("component", "authbridge.backend") }
}

// New builds a backend client from the config.
func New(cfg core.Config, opts ...Option) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:       cfg.BaseURL,
		serviceID:     cfg.ServiceID,
		serviceSecret: cfg.ServiceSecret,
		log:           logrus.WithField("component", "authbridge.backend"),
	}
	for _, opt := range opts {
		opt(c)
	}

	hc := c.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.RequestTimeout}
	}
	wrapped := *hc
	wrapped.Transport = &roundTripper{base: hc.Transport, log: c.log, debug: cfg.Debug}
	c.httpClient = &wrapped

	c.exchange = &oauth2.Config{
		ClientID:     cfg.ServiceID,
		ClientSecret: cfg.ServiceSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.BaseURL + exchangeCodePath,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	c.refresh = &oauth2.Config{
		ClientID:     cfg.ServiceID,
		ClientSecret: cfg.ServiceSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.BaseURL + refreshPath,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	return c, nil
}

// FetchPublicKey retrieves the backend's current signing key material.
// Empty material is returned as-is; judging it is the key cache's job.
func (c *Client) FetchPublicKey(ctx context.Context) (string, error) {
	var out publicKeyResponse
	if err := c.getJSON(ctx, publicKeyPath, &out); err != nil {
		return "", err
	}
	return out.PublicKey, nil
}

// ConnectedAccounts lists the third-party identities linked to an account.
func (c *Client) ConnectedAccounts(ctx context.Context, accountID string) ([]ConnectedAccount, error) {
	if accountID == "" {
		return nil, fmt.Errorf("connected accounts: account ID required")
	}
	path := fmt.Sprintf(connectedAccountsPath, url.PathEscape(accountID))
	var out []ConnectedAccount
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("connected accounts for %s: %w", accountID, err)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.serviceID, c.serviceSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth backend request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("auth backend response: %w", err)
	}
	return nil
}

package jwtkit

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	core "github.com/open-rails/authbridge/core"
)

// KeyFetcher retrieves the auth backend's current public key material.
// backend.Client implements this.
type KeyFetcher interface {
	FetchPublicKey(ctx context.Context) (string, error)
}

// KeyFetcherFunc adapts a plain function to the KeyFetcher interface.
type KeyFetcherFunc func(ctx context.Context) (string, error)

func (f KeyFetcherFunc) FetchPublicKey(ctx context.Context) (string, error) { return f(ctx) }

// KeyStore shares fetched key material across processes (see storage/) so a
// fleet behind one backend does not stampede it. All methods are best-effort
// from the cache's point of view; store errors degrade to a network fetch.
type KeyStore interface {
	Get(ctx context.Context) (material string, ok bool, err error)
	Put(ctx context.Context, material string) error
	Del(ctx context.Context) error
}

// flightKey is the one singleflight key a cache ever uses; a KeyCache manages
// a single backend key.
const flightKey = "public-key"

// KeyCache caches the auth backend's public signing key.
//
// The first caller triggers a fetch sequence; callers arriving while it runs
// join it instead of starting their own. One sequence makes a fixed number
// of attempts with doubling backoff between them and always runs to
// completion, even when every waiter has given up. A sequence that loses a
// race with Refresh still delivers its result to its waiters but no longer
// touches the cache.
type KeyCache struct {
	fetcher  KeyFetcher
	store    KeyStore
	ttl      time.Duration
	attempts int
	backoff  time.Duration
	pinned   bool
	log      *logrus.Entry

	// flight coalesces concurrent fetch sequences. Refresh forgets the key
	// so callers arriving afterwards start a fresh sequence.
	flight singleflight.Group

	mu        sync.Mutex
	material  string
	key       *rsa.PublicKey
	fetchedAt time.Time
	gen       uint64
}

// fetchedKey is the outcome of one fetch sequence.
type fetchedKey struct {
	material string
	key      *rsa.PublicKey
}

// KeyCacheOpt configures a KeyCache.
type KeyCacheOpt func(*KeyCache)

// WithTTL expires cached keys after d. Zero, the default, caches until an
// explicit Refresh.
func WithTTL(d time.Duration) KeyCacheOpt {
	return func(c *KeyCache) { c.ttl = d }
}

// WithStore adds a shared store consulted at the head of each fetch sequence
// and written through after a successful network fetch.
func WithStore(s KeyStore) KeyCacheOpt {
	return func(c *KeyCache) { c.store = s }
}

// WithFetchAttempts sets how many tries one fetch sequence makes.
func WithFetchAttempts(n int) KeyCacheOpt {
	return func(c *KeyCache) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithFetchBackoff sets the wait before the second attempt; it doubles for
// every attempt after that.
func WithFetchBackoff(d time.Duration) KeyCacheOpt {
	return func(c *KeyCache) {
		if d >= 0 {
			c.backoff = d
		}
	}
}

// WithKeyLogger replaces the cache's logger.
func WithKeyLogger(log *logrus.Logger) KeyCacheOpt {
	return func(c *KeyCache) { c.log = log.WithField("component", "authbridge.keycache") }
}

// NewKeyCache builds a cache over the fetcher with the default retry policy
// of three attempts backed off 1s then 2s.
func NewKeyCache(fetcher KeyFetcher, opts ...KeyCacheOpt) *KeyCache {
	c := &KeyCache{
		fetcher:  fetcher,
		attempts: core.DefaultFetchAttempts,
		backoff:  core.DefaultFetchBackoff,
		log:      logrus.WithField("component", "authbridge.keycache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewPinnedKeyCache serves the given key material forever and never fetches.
// Refresh becomes a no-op.
func NewPinnedKeyCache(material string) (*KeyCache, error) {
	key, err := ParseKeyMaterial(material)
	if err != nil {
		return nil, fmt.Errorf("pinned public key: %w", err)
	}
	return &KeyCache{
		pinned:   true,
		material: material,
		key:      key,
		log:      logrus.WithField("component", "authbridge.keycache"),
	}, nil
}

// NewKeyCacheFromConfig builds a cache honoring the config's pinned key,
// TTL, and retry settings. Extra options apply on top.
func NewKeyCacheFromConfig(cfg core.Config, fetcher KeyFetcher, opts ...KeyCacheOpt) (*KeyCache, error) {
	if cfg.PinnedPublicKeyPEM != "" {
		return NewPinnedKeyCache(cfg.PinnedPublicKeyPEM)
	}
	base := []KeyCacheOpt{
		WithTTL(cfg.KeyCacheTTL),
		WithFetchAttempts(cfg.FetchAttempts),
		WithFetchBackoff(cfg.FetchBackoff),
	}
	return NewKeyCache(fetcher, append(base, opts...)...), nil
}

// PublicKey returns the backend's current public key material, fetching it
// on first use. Callers arriving during a fetch share its outcome. The ctx
// only bounds this caller's wait; an underway fetch keeps running and its
// result lands in the cache for the next caller.
func (c *KeyCache) PublicKey(ctx context.Context) (string, error) {
	material, _, err := c.current(ctx)
	return material, err
}

// SigningKey returns the parsed RSA public key for signature verification,
// with the same fetch semantics as PublicKey.
func (c *KeyCache) SigningKey(ctx context.Context) (*rsa.PublicKey, error) {
	_, key, err := c.current(ctx)
	return key, err
}

// Refresh discards the cached key and any pending fetch, then fetches fresh
// material. Fetches already in flight still complete for the callers waiting
// on them but can no longer populate the cache.
func (c *KeyCache) Refresh(ctx context.Context) (string, error) {
	if c.pinned {
		return c.material, nil
	}

	c.mu.Lock()
	c.gen++
	c.material = ""
	c.key = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
	c.flight.Forget(flightKey)

	if c.store != nil {
		if err := c.store.Del(ctx); err != nil {
			c.log.WithError(err).Warn("key store delete failed")
		}
	}

	return c.PublicKey(ctx)
}

func (c *KeyCache) current(ctx context.Context) (string, *rsa.PublicKey, error) {
	c.mu.Lock()
	if c.material != "" && !c.expired() {
		material, key := c.material, c.key
		c.mu.Unlock()
		return material, key, nil
	}
	c.mu.Unlock()

	// DoChan rather than Do so an expiring ctx releases this caller while
	// the shared sequence keeps running for everyone else.
	ch := c.flight.DoChan(flightKey, func() (any, error) {
		return c.fetchSequence()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", nil, res.Err
		}
		fk := res.Val.(fetchedKey)
		return fk.material, fk.key, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// expired reports whether the cached key outlived the TTL. Caller holds mu.
func (c *KeyCache) expired() bool {
	if c.pinned || c.ttl <= 0 {
		return false
	}
	return time.Since(c.fetchedAt) > c.ttl
}

// fetchSequence runs one full fetch, shared store first and then the backend
// with retries, and installs the result unless a Refresh superseded it. It is
// detached from every caller context; once started, the sequence runs to
// completion or exhaustion even when all waiters have given up.
func (c *KeyCache) fetchSequence() (fetchedKey, error) {
	c.mu.Lock()
	if c.material != "" && !c.expired() {
		// Lost a race with a sequence that already installed; serve that.
		fk := fetchedKey{material: c.material, key: c.key}
		c.mu.Unlock()
		return fk, nil
	}
	gen := c.gen
	c.mu.Unlock()

	ctx := context.Background()
	fk, fromStore := c.fromStore(ctx)
	if !fromStore {
		var err error
		fk, err = c.fetchWithRetry(ctx)
		if err != nil {
			return fetchedKey{}, err
		}
	}

	c.mu.Lock()
	install := c.gen == gen
	if install {
		c.material = fk.material
		c.key = fk.key
		c.fetchedAt = time.Now()
	}
	c.mu.Unlock()

	if !install {
		c.log.Debug("discarding fetched key superseded by refresh")
		return fk, nil
	}
	if !fromStore && c.store != nil {
		// A store read must not renew the stored entry's TTL.
		if err := c.store.Put(ctx, fk.material); err != nil {
			c.log.WithError(err).Warn("key store write failed")
		}
	}
	return fk, nil
}

// fromStore consults the shared store. Read errors and unparseable material
// degrade to a network fetch.
func (c *KeyCache) fromStore(ctx context.Context) (fetchedKey, bool) {
	if c.store == nil {
		return fetchedKey{}, false
	}
	material, ok, err := c.store.Get(ctx)
	if err != nil {
		c.log.WithError(err).Warn("key store read failed, falling back to fetch")
		return fetchedKey{}, false
	}
	if !ok {
		return fetchedKey{}, false
	}
	key, err := ParseKeyMaterial(material)
	if err != nil {
		c.log.Warn("key store held unparseable material, falling back to fetch")
		return fetchedKey{}, false
	}
	return fetchedKey{material: material, key: key}, true
}

// fetchWithRetry asks the backend for key material, making up to c.attempts
// tries with exponential backoff between them. Empty or unparseable material
// counts as a failed attempt.
func (c *KeyCache) fetchWithRetry(ctx context.Context) (fetchedKey, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.backoff
	expo.RandomizationFactor = 0
	expo.Multiplier = 2
	expo.MaxInterval = 60 * c.backoff
	expo.Reset()

	attempt := 0
	operation := func() (fetchedKey, error) {
		attempt++
		material, err := c.fetcher.FetchPublicKey(ctx)
		if err == nil && strings.TrimSpace(material) == "" {
			err = errors.New("backend returned empty key material")
		}
		var key *rsa.PublicKey
		if err == nil {
			key, err = ParseKeyMaterial(material)
		}
		if err != nil {
			c.log.WithError(err).WithField("attempt", attempt).Debug("public key fetch attempt failed")
			return fetchedKey{}, err
		}
		return fetchedKey{material: material, key: key}, nil
	}

	fk, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.attempts)),
		backoff.WithNotify(func(_ error, wait time.Duration) {
			c.log.WithField("wait", wait).Debug("retrying public key fetch")
		}),
	)
	if err != nil {
		return fetchedKey{}, &core.NetworkError{Attempts: attempt, Err: err}
	}
	return fk, nil
}

// ParseKeyMaterial parses backend key material into an RSA public key. It
// accepts a PEM-encoded public key or a JWKS document, in which case the
// first RSA signing key wins.
func ParseKeyMaterial(material string) (*rsa.PublicKey, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, errors.New("empty key material")
	}
	if strings.HasPrefix(material, "{") {
		return parseJWKS(material)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(material))
	if err != nil {
		return nil, fmt.Errorf("parse public key pem: %w", err)
	}
	return pub, nil
}

func parseJWKS(material string) (*rsa.PublicKey, error) {
	set, err := jwk.Parse([]byte(material))
	if err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok {
			continue
		}
		if k.KeyType() != jwa.RSA {
			continue
		}
		if use := k.KeyUsage(); use != "" && use != "sig" {
			continue
		}
		var pub rsa.PublicKey
		if err := k.Raw(&pub); err != nil {
			continue
		}
		return &pub, nil
	}
	return nil, errors.New("jwks contains no usable RSA signing key")
}

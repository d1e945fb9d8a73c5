package memorystore

import (
	"context"
	"sync"
	"time"
)

// KeyStore is an in-process implementation of jwtkit.KeyStore with TTL.
// Suited to tests and single-node deployments; fleets should use the Redis
// store so one process's fetch serves the others.
type KeyStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	material string
	exp      time.Time
}

// NewKeyStore creates an in-memory key store. If ttl <= 0 the stored
// material never expires on its own.
func NewKeyStore(ttl time.Duration) *KeyStore {
	return &KeyStore{ttl: ttl}
}

func (s *KeyStore) Get(ctx context.Context) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.material == "" {
		return "", false, nil
	}
	if !s.exp.IsZero() && time.Now().After(s.exp) {
		s.material = ""
		s.exp = time.Time{}
		return "", false, nil
	}
	return s.material, true, nil
}

func (s *KeyStore) Put(ctx context.Context, material string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.material = material
	if s.ttl > 0 {
		s.exp = time.Now().Add(s.ttl)
	} else {
		s.exp = time.Time{}
	}
	return nil
}

func (s *KeyStore) Del(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.material = ""
	s.exp = time.Time{}
	return nil
}

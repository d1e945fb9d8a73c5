package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyStore shares fetched public key material across processes through
// Redis, implementing jwtkit.KeyStore. A refresh in one process deletes the
// entry for the whole fleet.
type KeyStore struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewKeyStore creates a Redis-backed key store. An empty keyName defaults to
// "auth:public-key"; ttl <= 0 stores the material without expiry, leaving
// invalidation to explicit refreshes.
func NewKeyStore(rdb *redis.Client, keyName string, ttl time.Duration) *KeyStore {
	if keyName == "" {
		keyName = "auth:public-key"
	}
	if ttl < 0 {
		ttl = 0
	}
	return &KeyStore{rdb: rdb, key: keyName, ttl: ttl}
}

func (s *KeyStore) Get(ctx context.Context) (string, bool, error) {
	val, err := s.rdb.Get(ctx, s.key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *KeyStore) Put(ctx context.Context, material string) error {
	return s.rdb.Set(ctx, s.key, material, s.ttl).Err()
}

func (s *KeyStore) Del(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key).Err()
}
